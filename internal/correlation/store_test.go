package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-run/meridian/internal/expressions"
	"github.com/meridian-run/meridian/internal/store"
	"github.com/meridian-run/meridian/pkg/model"
)

func newTestStore(t *testing.T) (*CorrelationStore, context.CancelFunc) {
	t.Helper()
	cs := New(expressions.NewJQEngine(), store.NewMemoryStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go cs.Start(ctx)
	return cs, cancel
}

func registration(deadline *time.Time) Registration {
	return Registration{
		InstanceID: "inst-1",
		Position:   "/await-payment",
		EventType:  "payment.received",
		Keys:       map[string]string{"orderId": "o-42"},
		Extract:    map[string]string{"orderId": ".data.orderId"},
		Deadline:   deadline,
	}
}

func paymentEvent(orderID string) *model.Event {
	return &model.Event{
		ID:   "ev-1",
		Type: "payment.received",
		Data: map[string]any{"orderId": orderID, "amount": 10},
	}
}

func TestEventBeforeDeadlineWinsExactlyOnce(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	deadline := time.Now().Add(40 * time.Millisecond)
	outcomes, err := cs.Register(context.Background(), registration(&deadline))
	require.NoError(t, err)

	resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-42"))
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	select {
	case outcome := <-outcomes:
		require.False(t, outcome.TimedOut)
		require.NotNil(t, outcome.Event)
		assert.Equal(t, "ev-1", outcome.Event.ID)
	case <-time.After(time.Second):
		t.Fatal("no outcome delivered")
	}

	// Let the deadline pass; the timer fire must be a no-op.
	time.Sleep(120 * time.Millisecond)
	select {
	case extra := <-outcomes:
		t.Fatalf("second outcome delivered: %+v", extra)
	default:
	}
}

func TestDeadlineFiresWithoutEvent(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	deadline := time.Now().Add(30 * time.Millisecond)
	outcomes, err := cs.Register(context.Background(), registration(&deadline))
	require.NoError(t, err)

	select {
	case outcome := <-outcomes:
		assert.True(t, outcome.TimedOut)
		assert.Nil(t, outcome.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	// A late event finds nothing to match.
	resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-42"))
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestCorrelationKeyMismatchIgnored(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	outcomes, err := cs.Register(context.Background(), registration(nil))
	require.NoError(t, err)

	resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-999"))
	require.NoError(t, err)
	assert.Empty(t, resolved)

	select {
	case <-outcomes:
		t.Fatal("mismatched event must not resolve the registration")
	default:
	}
}

func TestEventTypeMismatchIgnored(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	_, err := cs.Register(context.Background(), registration(nil))
	require.NoError(t, err)

	resolved, err := cs.OnEvent(context.Background(), &model.Event{
		Type: "order.cancelled",
		Data: map[string]any{"orderId": "o-42"},
	})
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	_, err := cs.Register(context.Background(), registration(nil))
	require.NoError(t, err)
	_, err = cs.Register(context.Background(), registration(nil))
	require.Error(t, err)
}

func TestCancelRemovesRegistration(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	reg := registration(nil)
	outcomes, err := cs.Register(context.Background(), reg)
	require.NoError(t, err)

	cs.Cancel(context.Background(), reg.ID())

	resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-42"))
	require.NoError(t, err)
	assert.Empty(t, resolved)
	select {
	case <-outcomes:
		t.Fatal("cancelled registration must not resolve")
	default:
	}
}

func TestRegistrationPersisted(t *testing.T) {
	backend := store.NewMemoryStore()
	cs := New(expressions.NewJQEngine(), backend, nil)

	reg := registration(nil)
	_, err := cs.Register(context.Background(), reg)
	require.NoError(t, err)

	recs, err := backend.ListCorrelations(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "payment.received", recs[0].EventType)

	resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-42"))
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	recs, err = backend.ListCorrelations(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Empty(t, recs, "consumed correlation must be deleted")
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "plain", KeyString("plain"))
	assert.Equal(t, "", KeyString(nil))
	assert.Equal(t, "42", KeyString(42))
	assert.Equal(t, `{"a":1}`, KeyString(map[string]any{"a": 1}))
}

func TestExtractExpressionBareOrWrapped(t *testing.T) {
	cs, cancel := newTestStore(t)
	defer cancel()

	for i, extract := range []string{".data.orderId", "${ .data.orderId }"} {
		reg := registration(nil)
		reg.InstanceID = "inst-extract"
		reg.Position = model.Position{"listen", string(rune('a' + i))}.String()
		reg.Extract = map[string]string{"orderId": extract}

		outcomes, err := cs.Register(context.Background(), reg)
		require.NoError(t, err)

		resolved, err := cs.OnEvent(context.Background(), paymentEvent("o-42"))
		require.NoError(t, err, "extract %q", extract)
		require.Len(t, resolved, 1, "extract %q", extract)

		select {
		case outcome := <-outcomes:
			require.NotNil(t, outcome.Event)
		case <-time.After(time.Second):
			t.Fatalf("no outcome for extract %q", extract)
		}
	}
}
