package browserdrv

import (
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// storageStateBlob is the on-disk shape persisted in
// session_data/instance_<id>/storage_state.json: cookies plus the page's
// localStorage, the minimum a revisit needs to look like the same browser
// that voted last time.
type storageStateBlob struct {
	Cookies      []*proto.NetworkCookie `json:"cookies"`
	LocalStorage map[string]string      `json:"local_storage,omitempty"`
	Origin       string                 `json:"origin,omitempty"`
}

// captureStorageState reads the page's current cookies and localStorage
// into the portable blob SessionStore persists.
func captureStorageState(page *rod.Page) ([]byte, error) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("browserdrv: read cookies: %w", err)
	}

	var localStorage map[string]string
	res, err := page.Eval(`() => {
		const out = {};
		for (let i = 0; i < window.localStorage.length; i++) {
			const k = window.localStorage.key(i);
			out[k] = window.localStorage.getItem(k);
		}
		return out;
	}`)
	if err == nil && res != nil {
		_ = res.Value.Unmarshal(&localStorage)
	}

	blob := storageStateBlob{Cookies: cookies, LocalStorage: localStorage}
	return json.Marshal(blob)
}

// restoreStorageState applies a previously captured blob to page before
// navigation: cookies via CDP, localStorage via an init script so it is
// present before the target page's own scripts run.
func restoreStorageState(page *rod.Page, raw []byte) error {
	var blob storageStateBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return fmt.Errorf("browserdrv: parse storage state: %w", err)
	}

	if len(blob.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(blob.Cookies))
		for _, c := range blob.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: c.SameSite,
				Expires:  c.Expires,
			})
		}
		if err := page.SetCookies(params); err != nil {
			return fmt.Errorf("browserdrv: set cookies: %w", err)
		}
	}

	if len(blob.LocalStorage) > 0 {
		script, err := localStorageInitScript(blob.LocalStorage)
		if err != nil {
			return err
		}
		if _, err := page.EvalOnNewDocument(script); err != nil {
			return fmt.Errorf("browserdrv: inject localStorage init script: %w", err)
		}
	}
	return nil
}

func localStorageInitScript(kv map[string]string) (string, error) {
	encoded, err := json.Marshal(kv)
	if err != nil {
		return "", fmt.Errorf("browserdrv: marshal local storage: %w", err)
	}
	return fmt.Sprintf(`(() => {
		const data = %s;
		for (const k in data) { try { window.localStorage.setItem(k, data[k]); } catch (e) {} }
	})();`, string(encoded)), nil
}
