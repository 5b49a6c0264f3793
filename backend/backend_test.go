package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/layer"
)

func TestMembershipFilter(t *testing.T) {
	numeric := &layer.PrimaryKey{Name: "gid", Numeric: true}
	text := &layer.PrimaryKey{Name: "ref", Numeric: false}

	if got := MembershipFilter(numeric, nil); got != "FALSE" {
		t.Errorf("empty set: expected FALSE, got %q", got)
	}
	if got := MembershipFilter(numeric, []string{"1", "2"}); got != `"gid" IN (1, 2)` {
		t.Errorf("numeric ids: got %q", got)
	}
	if got := MembershipFilter(text, []string{"a", "o'b"}); got != `"ref" IN ('a', 'o''b')` {
		t.Errorf("text ids: got %q", got)
	}
}

func TestCombineIDs(t *testing.T) {
	prev := []string{"1", "2", "3"}

	if got := CombineIDs(nil, []string{"9"}, expr.CombineAnd); len(got) != 1 || got[0] != "9" {
		t.Errorf("nil prev must pass next through, got %v", got)
	}

	and := CombineIDs(prev, []string{"2", "3", "4"}, expr.CombineAnd)
	if len(and) != 2 || and[0] != "2" || and[1] != "3" {
		t.Errorf("AND: expected [2 3], got %v", and)
	}

	or := CombineIDs(prev, []string{"3", "4"}, expr.CombineOr)
	if len(or) != 4 || or[3] != "4" {
		t.Errorf("OR: expected [1 2 3 4], got %v", or)
	}

	not := CombineIDs(prev, []string{"2"}, expr.CombineAndNot)
	if len(not) != 2 || not[0] != "1" || not[1] != "3" {
		t.Errorf("AND NOT: expected [1 3], got %v", not)
	}
}

func TestBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker(3, time.Minute)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("expected attempt %d allowed while closed", i)
		}
		b.Failure()
	}
	if b.Allow() {
		t.Fatal("expected breaker open after threshold failures")
	}

	// Cooldown elapses: one probe is allowed (half-open).
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}
	// The probe re-armed the window; a second attempt is still blocked.
	if b.Allow() {
		t.Fatal("expected only one half-open probe")
	}

	b.Success()
	if !b.Allow() {
		t.Fatal("expected breaker closed after probe success")
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil must classify to nil")
	}

	cancelled := &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}
	if err := Classify(cancelled); !errors.Is(err, errs.ErrBackendTimeout) {
		t.Errorf("57014 must classify as timeout, got %v", err)
	}

	connEx := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	if err := Classify(connEx); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("class 08 must classify as unavailable, got %v", err)
	}

	shutdown := &pgconn.PgError{Code: "57P01", Message: "terminating connection"}
	if err := Classify(shutdown); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("57P01 must classify as unavailable, got %v", err)
	}

	if err := Classify(context.Canceled); !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("context cancellation must classify as ErrCancelled, got %v", err)
	}

	syntax := &pgconn.PgError{Code: "42601", Message: "syntax error"}
	if err := Classify(syntax); errs.Downgradable(err) {
		t.Error("syntax errors must not trigger a downgrade")
	}

	refused := errors.New("dial tcp: connection refused")
	if err := Classify(refused); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Errorf("connection refused must classify as unavailable, got %v", err)
	}
}
