package fleet

import (
	"fmt"
	"time"
)

// Category is the coarse classification of an operation-log record.
type Category string

const (
	CategoryLock   Category = "lock"
	CategoryUnlock Category = "unlock"
	CategoryFailed Category = "failed"
	CategoryOther  Category = "other"
)

// LogEntry is one enriched operation-log record: the raw record plus its
// classification and, for card/fingerprint records, the stored alias.
type LogEntry struct {
	Time       time.Time `json:"time"`
	Code       int       `json:"code"`
	Category   Category  `json:"category"`
	Name       string    `json:"name"`
	Credential string    `json:"credential,omitempty"`
	Alias      string    `json:"alias,omitempty"`
}

type recordClass struct {
	cat  Category
	name string
	cred string // alias namespace of the credential reference, if any
}

// Record-type codes as written by the lock firmware. The table is fixed:
// unknown codes classify as other and keep their numeric name.
var recordTypes = map[int]recordClass{
	1:  {CategoryUnlock, "unlock_by_app", ""},
	2:  {CategoryLock, "lock_by_app", ""},
	4:  {CategoryUnlock, "unlock_by_passcode", "passcode"},
	5:  {CategoryFailed, "passcode_rejected", "passcode"},
	7:  {CategoryUnlock, "unlock_by_card", "card"},
	8:  {CategoryUnlock, "unlock_by_fingerprint", "fingerprint"},
	9:  {CategoryFailed, "fingerprint_rejected", "fingerprint"},
	10: {CategoryFailed, "card_rejected", "card"},
	11: {CategoryUnlock, "unlock_by_key", ""},
	12: {CategoryUnlock, "unlock_by_button", ""},
	17: {CategoryLock, "auto_lock", ""},
	20: {CategoryLock, "lock_by_keypad", ""},
	21: {CategoryOther, "tamper_alarm", ""},
	22: {CategoryOther, "battery_low", ""},
}

// classifyRecord maps a raw record-type code to its category and a stable
// human-readable name.
func classifyRecord(code int) (Category, string) {
	if rc, ok := recordTypes[code]; ok {
		return rc.cat, rc.name
	}
	return CategoryOther, fmt.Sprintf("record_%d", code)
}

// credentialKind reports which alias namespace a record's credential
// reference belongs to: "card", "fingerprint", "passcode" or "".
func credentialKind(code int) string {
	if rc, ok := recordTypes[code]; ok {
		return rc.cred
	}
	return ""
}
