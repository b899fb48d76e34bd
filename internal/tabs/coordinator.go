// Package tabs coordinates the browser tabs that share one
// authentication session through the durable store. The last tab to
// close clears the credential — unless it is merely reloading.
package tabs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shopwired/supportchat/internal/store"
)

// DefaultReloadWindow bounds how long the reloading flag protects the
// credential. A reload that takes longer than this counts as a real
// close.
const DefaultReloadWindow = 10 * time.Second

// Coordinator tracks this tab's membership in the shared active-tab
// set. Cross-tab races on the set are last-write-wins on purpose: the
// set is a coarse presence indicator, not a precise count.
type Coordinator struct {
	st           *store.Store
	tabID        string
	reloadWindow time.Duration
}

// New creates a coordinator with a fresh ephemeral tab id.
func New(st *store.Store) *Coordinator {
	return &Coordinator{
		st:           st,
		tabID:        uuid.NewString(),
		reloadWindow: DefaultReloadWindow,
	}
}

// SetReloadWindow overrides the reload-flag freshness window (tests).
func (c *Coordinator) SetReloadWindow(d time.Duration) { c.reloadWindow = d }

// TabID returns this tab's ephemeral identifier.
func (c *Coordinator) TabID() string { return c.tabID }

// Register adds this tab to the shared set. The reloading flag left by
// a predecessor teardown is consumed here: registration is the point
// where the reloaded page has had its chance to use the preserved
// credential.
func (c *Coordinator) Register() error {
	err := c.st.Update(func(m map[string]string) {
		set := decodeSet(m[store.KeyActiveTabs])
		set[c.tabID] = true
		m[store.KeyActiveTabs] = encodeSet(set)
		delete(m, store.KeyReloadingFlag)
	})
	if err != nil {
		return err
	}
	log.Debug().Str("tabId", c.tabID).Msg("tab registered")
	return nil
}

// Deregister removes this tab from the shared set — the beforeunload
// path. With reloading=true a transient flag is written first so an
// empty set does not clear the credential. When the set empties and no
// fresh reloading flag exists, this was truly the last tab and the
// credential is cleared (logout-on-last-tab-close).
func (c *Coordinator) Deregister(reloading bool) error {
	cleared := false
	err := c.st.Update(func(m map[string]string) {
		if reloading {
			m[store.KeyReloadingFlag] = time.Now().Format(time.RFC3339Nano)
		}
		set := decodeSet(m[store.KeyActiveTabs])
		delete(set, c.tabID)
		if len(set) == 0 {
			delete(m, store.KeyActiveTabs)
			if !c.reloadFresh(m[store.KeyReloadingFlag]) {
				delete(m, store.KeyCredential)
				cleared = true
			}
		} else {
			m[store.KeyActiveTabs] = encodeSet(set)
		}
	})
	if err != nil {
		return err
	}
	if cleared {
		log.Info().Str("tabId", c.tabID).Msg("last tab closed, credential cleared")
	}
	return nil
}

// ActiveTabs returns the current shared set.
func (c *Coordinator) ActiveTabs() ([]string, error) {
	raw, _, err := c.st.Get(store.KeyActiveTabs)
	if err != nil {
		return nil, err
	}
	set := decodeSet(raw)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// reloadFresh reports whether a reloading flag value is recent enough
// to count.
func (c *Coordinator) reloadFresh(raw string) bool {
	if raw == "" {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return time.Since(at) <= c.reloadWindow
}

func decodeSet(raw string) map[string]bool {
	set := map[string]bool{}
	if raw == "" {
		return set
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return set
	}
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func encodeSet(set map[string]bool) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	data, _ := json.Marshal(ids)
	return string(data)
}
