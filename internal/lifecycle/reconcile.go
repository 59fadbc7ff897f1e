package lifecycle

import (
	"time"

	"github.com/park285/warchess-server/internal/domain"
	"github.com/park285/warchess-server/internal/store"
)

// AbandonLabel replaces the "-" last move of a room aborted before any move.
const AbandonLabel = "Abandon (deconnexion)"

// Policy carries the timings and schema support Reconcile depends on.
type Policy struct {
	ReadyCountdown  time.Duration
	PresenceTimeout time.Duration
	Timing          bool
	Presence        bool
}

func PolicyFor(caps store.Capabilities, countdown, presence time.Duration) Policy {
	return Policy{
		ReadyCountdown:  countdown,
		PresenceTimeout: presence,
		Timing:          caps.Timing,
		Presence:        caps.Timing && caps.Presence,
	}
}

// Reconcile advances r to the state implied by its timestamps at now. It
// mutates r and reports whether anything has to be persisted. Terminal
// rooms are never changed; a legacy raw status is rewritten in normalized
// form.
func Reconcile(r *domain.Room, now time.Time, p Policy) bool {
	status := domain.NormalizeStatus(r.RawStatus)
	if r.RawStatus == "" {
		status = r.Status
	}
	next := status
	changed := false

	if p.Timing && !status.Terminal() {
		whiteReady := r.WhiteReadyAt != nil
		blackReady := r.BlackReadyAt != nil

		if status == domain.StatusWaiting && whiteReady && blackReady {
			next = domain.StatusReady
			changed = stampReady(r, now, p.ReadyCountdown) || changed
		}

		if status == domain.StatusReady {
			startAt := r.StartAt
			changed = stampReady(r, now, p.ReadyCountdown) || changed
			if startAt != nil && !startAt.After(now) {
				next = domain.StatusStarted
			}
		}

		if (status == domain.StatusStarted || next == domain.StatusStarted) && r.StartAt == nil {
			at := now
			r.StartAt = &at
			changed = true
		}

		if p.Presence && (status == domain.StatusWaiting || status == domain.StatusReady) && everActive(r) {
			if stale(r.WhiteSeenAt, now, p.PresenceTimeout) || stale(r.BlackSeenAt, now, p.PresenceTimeout) {
				next = domain.StatusAborted
				if r.AbortedAt == nil {
					at := now
					r.AbortedAt = &at
				}
				if r.LastMove == domain.NoMoveLabel {
					r.LastMove = AbandonLabel
				}
				changed = true
			}
		}
	}

	if r.RawStatus != "" && r.RawStatus != string(next) {
		changed = true
	}
	if next != r.Status {
		changed = true
	}
	r.Status = next
	r.RawStatus = string(next)
	if changed {
		r.UpdatedAt = now
	}
	return changed
}

func stampReady(r *domain.Room, now time.Time, countdown time.Duration) bool {
	changed := false
	if r.ReadyAt == nil {
		at := now
		r.ReadyAt = &at
		changed = true
	}
	if r.StartAt == nil {
		at := now.Add(countdown)
		r.StartAt = &at
		changed = true
	}
	return changed
}

// everActive reports whether either side has ever signaled readiness or presence.
func everActive(r *domain.Room) bool {
	return r.WhiteReadyAt != nil || r.BlackReadyAt != nil || r.WhiteSeenAt != nil || r.BlackSeenAt != nil
}

// stale treats a missing timestamp as fresh.
func stale(seen *time.Time, now time.Time, timeout time.Duration) bool {
	if seen == nil {
		return false
	}
	return now.Sub(*seen) > timeout
}
