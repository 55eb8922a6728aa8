package breakpoint

import (
	"testing"
	"time"
)

func TestRule_Matches(t *testing.T) {
	r := &Rule{Enabled: true, Method: "POST", HostContains: "api.example.com", PathContains: "/v1/"}

	cases := []struct {
		name string
		ctx  Context
		want bool
	}{
		{"exact match", Context{Method: "POST", Host: "api.example.com", Path: "/v1/widgets"}, true},
		{"case-insensitive method", Context{Method: "post", Host: "api.example.com", Path: "/v1/widgets"}, true},
		{"wrong method", Context{Method: "GET", Host: "api.example.com", Path: "/v1/widgets"}, false},
		{"host not contained", Context{Method: "POST", Host: "other.com", Path: "/v1/widgets"}, false},
		{"path not contained", Context{Method: "POST", Host: "api.example.com", Path: "/v2/widgets"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := r.Matches(c.ctx); got != c.want {
				t.Errorf("Matches(%+v) = %v, want %v", c.ctx, got, c.want)
			}
		})
	}
}

func TestRule_Disabled_NeverMatches(t *testing.T) {
	r := &Rule{Enabled: false}
	if r.Matches(Context{Method: "GET", Host: "x", Path: "/"}) {
		t.Error("disabled rule matched")
	}
}

func TestRule_WildcardFields(t *testing.T) {
	r := &Rule{Enabled: true}
	if !r.Matches(Context{Method: "DELETE", Host: "anything", Path: "/anything"}) {
		t.Error("rule with no fields set should match everything")
	}
}

func TestEdit_IsEmpty(t *testing.T) {
	if !(*Edit)(nil).IsEmpty() {
		t.Error("nil edit should be empty")
	}
	if !(&Edit{}).IsEmpty() {
		t.Error("zero-value edit should be empty")
	}
	method := "PUT"
	if (&Edit{Method: &method}).IsEmpty() {
		t.Error("edit with Method set should not be empty")
	}
}

func TestEngine_PauseResume_DeliversEdit(t *testing.T) {
	e := NewEngine()
	sub, unsub := e.Events.Subscribe()
	defer unsub()

	done := make(chan struct{})
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- e.Pause("txn-1", Context{Method: "GET", Host: "h", Path: "/p"}, done)
	}()

	hit := waitForEvent(t, sub, EventHit)
	if hit.TransactionID != "txn-1" {
		t.Errorf("hit transaction id = %q, want txn-1", hit.TransactionID)
	}

	newPath := "/edited"
	edit := &Edit{Path: &newPath}
	if !e.Resume("txn-1", edit) {
		t.Fatal("Resume reported the transaction was not pending")
	}

	select {
	case out := <-resultCh:
		if out.Aborted {
			t.Fatal("expected a resume outcome, got aborted")
		}
		if out.Edit == nil || out.Edit.Path == nil || *out.Edit.Path != newPath {
			t.Errorf("outcome edit = %+v, want path %q", out.Edit, newPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pause did not return after Resume")
	}

	resumed := waitForEvent(t, sub, EventResumed)
	if !resumed.Edited {
		t.Error("resumed event should report Edited=true")
	}
}

func TestEngine_Abort_DeliversReason(t *testing.T) {
	e := NewEngine()
	done := make(chan struct{})
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- e.Pause("txn-2", Context{Method: "GET", Host: "h", Path: "/p"}, done)
	}()

	// Give the pause goroutine a chance to register before aborting.
	for i := 0; i < 100 && !e.Abort("txn-2", "blocked by operator"); i++ {
		time.Sleep(time.Millisecond)
	}

	select {
	case out := <-resultCh:
		if !out.Aborted || out.Reason != "blocked by operator" {
			t.Errorf("outcome = %+v, want Aborted with reason", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pause did not return after Abort")
	}
}

func TestEngine_Pause_UnblocksOnConnDone(t *testing.T) {
	e := NewEngine()
	done := make(chan struct{})
	resultCh := make(chan Outcome, 1)
	go func() {
		resultCh <- e.Pause("txn-3", Context{}, done)
	}()

	close(done)

	select {
	case out := <-resultCh:
		if !out.Aborted {
			t.Errorf("expected Aborted on connection teardown, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pause did not unblock when done was closed")
	}
}

func TestEngine_Resume_UnknownID_ReturnsFalse(t *testing.T) {
	e := NewEngine()
	if e.Resume("nope", &Edit{}) {
		t.Error("Resume on an unknown transaction id should report false")
	}
}

func TestEngine_RuleLifecycle(t *testing.T) {
	e := NewEngine()
	r := e.AddRule(&Rule{Enabled: true, Method: "GET"})
	if r.ID == "" {
		t.Fatal("AddRule should assign an id when none is given")
	}
	if len(e.ListRules()) != 1 {
		t.Fatalf("ListRules len = %d, want 1", len(e.ListRules()))
	}
	if !e.Matched(Context{Method: "GET", Host: "h", Path: "/"}) {
		t.Error("Matched should find the added rule")
	}
	if !e.RemoveRule(r.ID) {
		t.Fatal("RemoveRule should report true for an existing id")
	}
	if e.RemoveRule(r.ID) {
		t.Error("RemoveRule should report false once already removed")
	}
	if e.Matched(Context{Method: "GET", Host: "h", Path: "/"}) {
		t.Error("Matched should find nothing after the rule is removed")
	}
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
