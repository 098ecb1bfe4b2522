package fleet

import (
	"context"
	"fmt"
	"time"

	"lockhub/internal/transport"
)

// CredentialSummary bundles every credential kind a lock supports.
// Unsupported kinds stay nil.
type CredentialSummary struct {
	Passcodes    []transport.Passcode    `json:"passcodes,omitempty"`
	Cards        []transport.Card        `json:"cards,omitempty"`
	Fingerprints []transport.Fingerprint `json:"fingerprints,omitempty"`
}

// AddPasscode registers a keypad code valid inside [start, end].
func (o *Orchestrator) AddPasscode(ctx context.Context, addr, code string, start, end time.Time) (transport.Passcode, error) {
	dev, err := o.pairedWith(addr, featPasscode)
	if err != nil {
		return transport.Passcode{}, err
	}
	var id string
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutPasscodeAdd, "add passcode "+addr, func(c context.Context) error {
			var aerr error
			id, aerr = dev.handle.AddPasscode(c, code, start, end)
			return aerr
		})
	})
	if err != nil {
		return transport.Passcode{}, err
	}
	return transport.Passcode{ID: id, Code: code, Start: start, End: end}, nil
}

// UpdatePasscode rewrites a passcode's code and validity window.
func (o *Orchestrator) UpdatePasscode(ctx context.Context, addr, id, code string, start, end time.Time) error {
	dev, err := o.pairedWith(addr, featPasscode)
	if err != nil {
		return err
	}
	return o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredUpdate, "update passcode "+addr, func(c context.Context) error {
			return dev.handle.UpdatePasscode(c, id, code, start, end)
		})
	})
}

// DeletePasscode removes a passcode from the lock.
func (o *Orchestrator) DeletePasscode(ctx context.Context, addr, id string) error {
	dev, err := o.pairedWith(addr, featPasscode)
	if err != nil {
		return err
	}
	return o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredDelete, "delete passcode "+addr, func(c context.Context) error {
			return dev.handle.DeletePasscode(c, id)
		})
	})
}

// Passcodes lists the passcodes stored on the lock.
func (o *Orchestrator) Passcodes(ctx context.Context, addr string) ([]transport.Passcode, error) {
	dev, err := o.pairedWith(addr, featPasscode)
	if err != nil {
		return nil, err
	}
	var out []transport.Passcode
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredList, "list passcodes "+addr, func(c context.Context) error {
			var lerr error
			out, lerr = dev.handle.Passcodes(c)
			return lerr
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddCard enrolls an RFID card: the lock enters scan mode and waits for the
// card to be presented. A non-empty alias is stored against the new card
// identifier once the device confirms it.
func (o *Orchestrator) AddCard(ctx context.Context, addr string, start, end time.Time, alias string) (transport.Card, error) {
	dev, err := o.pairedWith(addr, featCard)
	if err != nil {
		return transport.Card{}, err
	}
	var id string
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredAdd, "add card "+addr, func(c context.Context) error {
			var aerr error
			id, aerr = dev.handle.AddCard(c, start, end)
			return aerr
		})
	})
	if err != nil {
		return transport.Card{}, err
	}

	card := transport.Card{ID: id, Start: start, End: end}
	if alias != "" {
		if serr := o.db.SetCardAlias(id, alias); serr != nil {
			o.log.Warn("store card alias", "id", id, "err", serr)
		} else {
			card.Alias = alias
		}
	}
	return card, nil
}

// UpdateCard rewrites a card's validity window and alias. An empty alias
// removes any stored one.
func (o *Orchestrator) UpdateCard(ctx context.Context, addr, id string, start, end time.Time, alias string) error {
	dev, err := o.pairedWith(addr, featCard)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredUpdate, "update card "+addr, func(c context.Context) error {
			return dev.handle.UpdateCard(c, id, start, end)
		})
	})
	if err != nil {
		return err
	}
	o.storeAlias(o.db.SetCardAlias, o.db.DeleteCardAlias, id, alias)
	return nil
}

// DeleteCard removes a card from the lock and drops its alias.
func (o *Orchestrator) DeleteCard(ctx context.Context, addr, id string) error {
	dev, err := o.pairedWith(addr, featCard)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredDelete, "delete card "+addr, func(c context.Context) error {
			return dev.handle.DeleteCard(c, id)
		})
	})
	if err != nil {
		return err
	}
	if serr := o.db.DeleteCardAlias(id); serr != nil {
		o.log.Warn("delete card alias", "id", id, "err", serr)
	}
	return nil
}

// Cards lists the cards stored on the lock, aliases attached.
func (o *Orchestrator) Cards(ctx context.Context, addr string) ([]transport.Card, error) {
	dev, err := o.pairedWith(addr, featCard)
	if err != nil {
		return nil, err
	}
	var out []transport.Card
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredList, "list cards "+addr, func(c context.Context) error {
			var lerr error
			out, lerr = dev.handle.Cards(c)
			return lerr
		})
	})
	if err != nil {
		return nil, err
	}
	o.attachCardAliases(out)
	return out, nil
}

// AddFingerprint enrolls a fingerprint: the lock prompts for repeated reads
// of the same finger and reports progress through the event stream.
func (o *Orchestrator) AddFingerprint(ctx context.Context, addr string, start, end time.Time, alias string) (transport.Fingerprint, error) {
	dev, err := o.pairedWith(addr, featFingerprint)
	if err != nil {
		return transport.Fingerprint{}, err
	}
	var id string
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredAdd, "add fingerprint "+addr, func(c context.Context) error {
			var aerr error
			id, aerr = dev.handle.AddFingerprint(c, start, end)
			return aerr
		})
	})
	if err != nil {
		return transport.Fingerprint{}, err
	}

	fp := transport.Fingerprint{ID: id, Start: start, End: end}
	if alias != "" {
		if serr := o.db.SetFingerprintAlias(id, alias); serr != nil {
			o.log.Warn("store fingerprint alias", "id", id, "err", serr)
		} else {
			fp.Alias = alias
		}
	}
	return fp, nil
}

// UpdateFingerprint rewrites a fingerprint's validity window and alias. An
// empty alias removes any stored one.
func (o *Orchestrator) UpdateFingerprint(ctx context.Context, addr, id string, start, end time.Time, alias string) error {
	dev, err := o.pairedWith(addr, featFingerprint)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredUpdate, "update fingerprint "+addr, func(c context.Context) error {
			return dev.handle.UpdateFingerprint(c, id, start, end)
		})
	})
	if err != nil {
		return err
	}
	o.storeAlias(o.db.SetFingerprintAlias, o.db.DeleteFingerprintAlias, id, alias)
	return nil
}

// DeleteFingerprint removes a fingerprint from the lock and drops its alias.
func (o *Orchestrator) DeleteFingerprint(ctx context.Context, addr, id string) error {
	dev, err := o.pairedWith(addr, featFingerprint)
	if err != nil {
		return err
	}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredDelete, "delete fingerprint "+addr, func(c context.Context) error {
			return dev.handle.DeleteFingerprint(c, id)
		})
	})
	if err != nil {
		return err
	}
	if serr := o.db.DeleteFingerprintAlias(id); serr != nil {
		o.log.Warn("delete fingerprint alias", "id", id, "err", serr)
	}
	return nil
}

// Fingerprints lists the fingerprints stored on the lock, aliases attached.
func (o *Orchestrator) Fingerprints(ctx context.Context, addr string) ([]transport.Fingerprint, error) {
	dev, err := o.pairedWith(addr, featFingerprint)
	if err != nil {
		return nil, err
	}
	var out []transport.Fingerprint
	err = o.session(ctx, dev, func(ctx context.Context) error {
		return guarded(ctx, timeoutCredList, "list fingerprints "+addr, func(c context.Context) error {
			var lerr error
			out, lerr = dev.handle.Fingerprints(c)
			return lerr
		})
	})
	if err != nil {
		return nil, err
	}
	o.attachFingerprintAliases(out)
	return out, nil
}

// Credentials fetches every supported credential list in one session.
func (o *Orchestrator) Credentials(ctx context.Context, addr string) (*CredentialSummary, error) {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return nil, err
	}
	feats := dev.featureSet()
	sum := &CredentialSummary{}
	err = o.session(ctx, dev, func(ctx context.Context) error {
		if feats.Passcode {
			if err := guarded(ctx, timeoutCredList, "list passcodes "+addr, func(c context.Context) error {
				var lerr error
				sum.Passcodes, lerr = dev.handle.Passcodes(c)
				return lerr
			}); err != nil {
				return err
			}
		}
		if feats.Card {
			if err := guarded(ctx, timeoutCredList, "list cards "+addr, func(c context.Context) error {
				var lerr error
				sum.Cards, lerr = dev.handle.Cards(c)
				return lerr
			}); err != nil {
				return err
			}
		}
		if feats.Fingerprint {
			if err := guarded(ctx, timeoutCredList, "list fingerprints "+addr, func(c context.Context) error {
				var lerr error
				sum.Fingerprints, lerr = dev.handle.Fingerprints(c)
				return lerr
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.attachCardAliases(sum.Cards)
	o.attachFingerprintAliases(sum.Fingerprints)
	return sum, nil
}

type feature int

const (
	featPasscode feature = iota
	featCard
	featFingerprint
)

// pairedWith resolves a paired device and gates on the capability flag.
// The check runs before any connection is spent: asking a lock without a
// card reader for card work is a caller error, not a radio problem.
func (o *Orchestrator) pairedWith(addr string, f feature) (*Device, error) {
	dev, err := o.reg.Paired(addr)
	if err != nil {
		return nil, err
	}
	feats := dev.featureSet()
	switch f {
	case featPasscode:
		if !feats.Passcode {
			return nil, fmt.Errorf("passcodes on %s: %w", addr, ErrUnsupported)
		}
	case featCard:
		if !feats.Card {
			return nil, fmt.Errorf("cards on %s: %w", addr, ErrUnsupported)
		}
	case featFingerprint:
		if !feats.Fingerprint {
			return nil, fmt.Errorf("fingerprints on %s: %w", addr, ErrUnsupported)
		}
	}
	return dev, nil
}

func (o *Orchestrator) storeAlias(set func(string, string) error, del func(string) error, id, alias string) {
	if alias == "" {
		if err := del(id); err != nil {
			o.log.Warn("delete alias", "id", id, "err", err)
		}
		return
	}
	if err := set(id, alias); err != nil {
		o.log.Warn("store alias", "id", id, "err", err)
	}
}

func (o *Orchestrator) attachCardAliases(cards []transport.Card) {
	for i := range cards {
		if alias, err := o.db.CardAlias(cards[i].ID); err == nil {
			cards[i].Alias = alias
		}
	}
}

func (o *Orchestrator) attachFingerprintAliases(fps []transport.Fingerprint) {
	for i := range fps {
		if alias, err := o.db.FingerprintAlias(fps[i].ID); err == nil {
			fps[i].Alias = alias
		}
	}
}
