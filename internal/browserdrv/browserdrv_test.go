package browserdrv

import (
	"encoding/json"
	"strings"
	"testing"
)

// These cover the pieces of this package that do not require a live
// go-rod browser: the Driver constructor's plain field assignment, the
// localStorage init-script templating, and the storage-state blob's JSON
// shape. Launch/Goto/Click/etc. drive a real CDP-controlled browser and
// are exercised in integration, not here.

func TestNewDriverStoresConfig(t *testing.T) {
	d := New(true, "/opt/chromium")
	if !d.headless {
		t.Error("headless = false, want true")
	}
	if d.browserPath != "/opt/chromium" {
		t.Errorf("browserPath = %q, want /opt/chromium", d.browserPath)
	}

	d2 := New(false, "")
	if d2.headless {
		t.Error("headless = true, want false")
	}
	if d2.browserPath != "" {
		t.Errorf("browserPath = %q, want empty", d2.browserPath)
	}
}

func TestLocalStorageInitScriptEmbedsEncodedValues(t *testing.T) {
	kv := map[string]string{"session_flag": "1", "theme": "dark"}
	script, err := localStorageInitScript(kv)
	if err != nil {
		t.Fatalf("localStorageInitScript: %v", err)
	}

	if !strings.Contains(script, "window.localStorage.setItem") {
		t.Error("script does not call localStorage.setItem")
	}

	wantEncoded, err := json.Marshal(kv)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if !strings.Contains(script, string(wantEncoded)) {
		t.Errorf("script does not embed the encoded key/value data %s:\n%s", wantEncoded, script)
	}
}

func TestLocalStorageInitScriptEmptyMap(t *testing.T) {
	// json.Marshal never fails on map[string]string, so this only checks
	// the happy path returns a non-empty script and no error for the
	// smallest possible input.
	script, err := localStorageInitScript(map[string]string{})
	if err != nil {
		t.Fatalf("localStorageInitScript(empty map): %v", err)
	}
	if !strings.Contains(script, "{}") {
		t.Errorf("expected an empty object literal in script, got:\n%s", script)
	}
}

func TestStorageStateBlobJSONRoundTrip(t *testing.T) {
	original := storageStateBlob{
		LocalStorage: map[string]string{"a": "1", "b": "2"},
		Origin:       "https://vote.example.test",
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded storageStateBlob
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Origin != original.Origin {
		t.Errorf("Origin = %q, want %q", decoded.Origin, original.Origin)
	}
	if len(decoded.LocalStorage) != len(original.LocalStorage) {
		t.Fatalf("LocalStorage length = %d, want %d", len(decoded.LocalStorage), len(original.LocalStorage))
	}
	for k, v := range original.LocalStorage {
		if decoded.LocalStorage[k] != v {
			t.Errorf("LocalStorage[%q] = %q, want %q", k, decoded.LocalStorage[k], v)
		}
	}
}

func TestStorageStateBlobOmitsEmptyLocalStorage(t *testing.T) {
	raw, err := json.Marshal(storageStateBlob{Origin: "https://vote.example.test"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(raw), "local_storage") {
		t.Errorf("expected local_storage to be omitted when empty, got: %s", raw)
	}
}
