package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/organization"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/types"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed int
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func TestOnSignalPublishes(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	ch := &fakeChannel{}
	n := New(ch, "", WithClock(func() time.Time { return at }))

	org := &organization.Organization{ID: id.NewOrganizationID(), Slug: "acme"}
	amount := types.USD(2900)
	sig := plugin.Signal{Name: plugin.SignalChargeSucceeded, At: at, Organization: org, Amount: &amount}

	require.NoError(t, n.OnSignal(context.Background(), sig))
	require.Len(t, ch.sent, 1)

	got := ch.sent[0]
	assert.Equal(t, DefaultExchange, got.exchange)
	assert.Equal(t, "charge.succeeded", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, at, got.msg.Timestamp)
	assert.NotEmpty(t, got.msg.MessageId)
	assert.Equal(t, org.ID.String(), got.msg.Headers["organization_id"])

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.msg.Body, &body))
	assert.Equal(t, "charge.succeeded", body["name"])
	assert.EqualValues(t, 2900, body["amount"].(map[string]any)["amount"])

	require.NoError(t, n.OnSignal(context.Background(), sig))
	assert.NotEqual(t, ch.sent[0].msg.MessageId, ch.sent[1].msg.MessageId)
}

func TestOnSignalWrapsPublishErrors(t *testing.T) {
	boom := errors.New("channel closed by server")
	n := New(&fakeChannel{err: boom}, "billing")

	err := n.OnSignal(context.Background(), plugin.Signal{Name: plugin.SignalRefundIssued})
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "refund.issued")
}

func TestCloseStopsPublishing(t *testing.T) {
	ch := &fakeChannel{}
	n := New(ch, "billing")

	require.NoError(t, n.OnShutdown(context.Background()))
	require.NoError(t, n.Close())
	assert.Equal(t, 1, ch.closed)

	err := n.OnSignal(context.Background(), plugin.Signal{Name: plugin.SignalOrderPlaced})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(Config{})
	assert.Error(t, err)
}

func TestRegistryDeliversToNotifier(t *testing.T) {
	ch := &fakeChannel{}
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(New(ch, "billing")))

	reg.Emit(context.Background(), plugin.Signal{Name: plugin.SignalSubscriptionExpiring, DaysRemaining: 15})
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "subscription.expiring", ch.sent[0].key)
}
