package creation

import (
	"sync"
	"time"
)

const (
	// InitialMessage is shown as soon as a submission starts.
	InitialMessage = "몬스터 소환 중..."
	// SlowMessage replaces InitialMessage once the call has been pending for
	// SlowNoticeAfter.
	SlowMessage = "거의 다 왔어요! 조금만 더 기다려주세요..."
	// SlowNoticeAfter is the default escalation delay.
	SlowNoticeAfter = 30 * time.Second
)

// LoadingTimer is a two-state loading message: initial, then escalated once
// after a delay. Stop freezes the message; after Stop returns the message
// never changes, even if the deferred callback is already running.
type LoadingTimer struct {
	mu        sync.Mutex
	message   string
	fallback  string
	escalated bool
	stopped   bool
	timer     *time.Timer
	onChange  func(string)
}

// StartLoadingTimer shows initial immediately and schedules fallback after
// delay. onChange, when set, is called once with fallback on escalation.
func StartLoadingTimer(delay time.Duration, initial, fallback string, onChange func(string)) *LoadingTimer {
	t := &LoadingTimer{
		message:  initial,
		fallback: fallback,
		onChange: onChange,
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(delay, t.escalate)
	t.mu.Unlock()
	return t
}

func (t *LoadingTimer) escalate() {
	t.mu.Lock()
	if t.stopped || t.escalated {
		t.mu.Unlock()
		return
	}
	t.escalated = true
	t.message = t.fallback
	onChange := t.onChange
	msg := t.message
	t.mu.Unlock()
	if onChange != nil {
		onChange(msg)
	}
}

// Message returns the current loading message.
func (t *LoadingTimer) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// Escalated reports whether the fallback message is showing.
func (t *LoadingTimer) Escalated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.escalated
}

// Stop cancels a pending escalation. It reports whether escalation was
// prevented (false when it had already happened or Stop ran before).
func (t *LoadingTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return !t.escalated
}

// Stopped reports whether Stop has been called.
func (t *LoadingTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
