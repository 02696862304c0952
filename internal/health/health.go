package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/store"
)

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store"`
	Syncing bool   `json:"syncing,omitempty"`
}

// SyncState is implemented by components that know whether a sync run is
// in progress.
type SyncState interface {
	Syncing() bool
}

// HTTPHandler reports whether the queue store is reachable. A nil pinger
// reports healthy; sync may be nil.
func HTTPHandler(p store.Pinger, sync SyncState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true}
		code := http.StatusOK

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "store ping failed"
				st.Store = false
				code = http.StatusServiceUnavailable
			}
		}
		if sync != nil {
			st.Syncing = sync.Syncing()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
