package hotplug

import (
	"strings"
	"testing"
)

func TestEnvSetGetUnset(t *testing.T) {
	ctl := NewControl(NewSession(Config{}))

	if err := ctl.EnvSet("key", "value"); err != nil {
		t.Fatalf("EnvSet failed: %s", err)
	}
	if got := ctl.EnvList()["key"]; got != "value" {
		t.Errorf("EnvList()[key] = %q, want %q", got, "value")
	}
	if err := ctl.EnvUnset("key"); err != nil {
		t.Fatalf("EnvUnset failed: %s", err)
	}
	if _, ok := ctl.EnvList()["key"]; ok {
		t.Errorf("key still present after EnvUnset")
	}
	if err := ctl.EnvUnset("key"); err != ErrEnvKeyNotFound {
		t.Errorf("EnvUnset missing key = %v, want ErrEnvKeyNotFound", err)
	}
}

func TestEnvSetRejectsOversizedKeyOrValue(t *testing.T) {
	ctl := NewControl(NewSession(Config{}))

	longKey := strings.Repeat("k", MaxEnvKeyLen+1)
	if err := ctl.EnvSet(longKey, "v"); err != ErrEnvKeyTooLong {
		t.Errorf("EnvSet with long key = %v, want ErrEnvKeyTooLong", err)
	}

	longValue := strings.Repeat("v", MaxEnvValueLen+1)
	if err := ctl.EnvSet("k", longValue); err != ErrEnvValueTooLong {
		t.Errorf("EnvSet with long value = %v, want ErrEnvValueTooLong", err)
	}
}

func TestEnvSetRejectsTableOverflow(t *testing.T) {
	ctl := NewControl(NewSession(Config{}))
	for i := 0; i < MaxEnvCount; i++ {
		if err := ctl.EnvSet(string(rune('a'+i%26))+itoa(int64(i)), "v"); err != nil {
			t.Fatalf("EnvSet %d failed: %s", i, err)
		}
	}
	if err := ctl.EnvSet("overflow", "v"); err != ErrEnvTableFull {
		t.Errorf("EnvSet past MaxEnvCount = %v, want ErrEnvTableFull", err)
	}
}

func TestEnvSetOverwriteDoesNotCountAgainstTableLimit(t *testing.T) {
	ctl := NewControl(NewSession(Config{}))
	for i := 0; i < MaxEnvCount; i++ {
		if err := ctl.EnvSet(string(rune('a'+i%26))+itoa(int64(i)), "v1"); err != nil {
			t.Fatalf("EnvSet %d failed: %s", i, err)
		}
	}
	if err := ctl.EnvSet("a0", "v2"); err != nil {
		t.Errorf("overwriting existing key at full table = %v, want nil", err)
	}
}
