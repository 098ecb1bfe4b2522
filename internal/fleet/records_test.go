package fleet

import "testing"

func TestClassifyRecord(t *testing.T) {
	tests := []struct {
		code int
		cat  Category
		name string
	}{
		{1, CategoryUnlock, "unlock_by_app"},
		{2, CategoryLock, "lock_by_app"},
		{4, CategoryUnlock, "unlock_by_passcode"},
		{5, CategoryFailed, "passcode_rejected"},
		{7, CategoryUnlock, "unlock_by_card"},
		{8, CategoryUnlock, "unlock_by_fingerprint"},
		{9, CategoryFailed, "fingerprint_rejected"},
		{10, CategoryFailed, "card_rejected"},
		{11, CategoryUnlock, "unlock_by_key"},
		{12, CategoryUnlock, "unlock_by_button"},
		{17, CategoryLock, "auto_lock"},
		{20, CategoryLock, "lock_by_keypad"},
		{21, CategoryOther, "tamper_alarm"},
		{22, CategoryOther, "battery_low"},
		{0, CategoryOther, "record_0"},
		{99, CategoryOther, "record_99"},
	}
	for _, tt := range tests {
		cat, name := classifyRecord(tt.code)
		if cat != tt.cat {
			t.Errorf("classifyRecord(%d) category = %s, want %s", tt.code, cat, tt.cat)
		}
		if name != tt.name {
			t.Errorf("classifyRecord(%d) name = %s, want %s", tt.code, name, tt.name)
		}
	}
}

func TestCredentialKind(t *testing.T) {
	tests := []struct {
		code int
		kind string
	}{
		{4, "passcode"},
		{5, "passcode"},
		{7, "card"},
		{10, "card"},
		{8, "fingerprint"},
		{9, "fingerprint"},
		{1, ""},
		{17, ""},
		{99, ""},
	}
	for _, tt := range tests {
		if got := credentialKind(tt.code); got != tt.kind {
			t.Errorf("credentialKind(%d) = %q, want %q", tt.code, got, tt.kind)
		}
	}
}
