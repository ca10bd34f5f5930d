package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"wireit/internal/types"
)

type recorder struct{ events []Event }

func (r *recorder) Handle(ev Event) { r.events = append(r.events, ev) }

func TestBus_PublishesToAllSubscribersInOrder(t *testing.T) {
	b := New()
	var a, c recorder
	b.Subscribe(&a)
	b.Subscribe(&c)

	ref := types.Ref{PackageDir: "pkg", Name: "build"}
	b.Info(ref, "starting")
	b.Success(ref, SuccessFresh)

	require.Len(t, a.events, 2)
	require.Len(t, c.events, 2)
	require.Equal(t, KindInfo, a.events[0].Kind)
	require.Equal(t, SuccessFresh, a.events[1].SuccessReason)
}

func TestBus_FailureCarriesReasonAndPayload(t *testing.T) {
	b := New()
	var r recorder
	b.Subscribe(&r)

	ref := types.Ref{PackageDir: "pkg", Name: "build"}
	b.Failure(ref, FailureExitNonZero, "exit code 1")

	require.Len(t, r.events, 1)
	require.Equal(t, KindFailure, r.events[0].Kind)
	require.Equal(t, FailureExitNonZero, r.events[0].FailureReason)
	require.Equal(t, "exit code 1", r.events[0].FailurePayload)
}
