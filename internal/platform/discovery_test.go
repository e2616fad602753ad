package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/fireble/internal/mqtt"
	"github.com/srg/fireble/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ch1Config = "homeassistant/sensor/aa_bb_cc_dd_9f_3e/fireboard_aabbccdd9f3e_ch1/config"
	ch1Base   = "fireble/aa_bb_cc_dd_9f_3e/fireboard_aabbccdd9f3e_ch1"
)

// retainedBroker replays retained messages to each new subscription
type retainedBroker struct {
	mu           sync.Mutex
	retained     map[string]string
	filter       string
	unsubscribed bool
	err          error
}

func (b *retainedBroker) Subscribe(filter string, handler func(topic string, payload []byte)) (func(), error) {
	if b.err != nil {
		return nil, b.err
	}
	b.mu.Lock()
	b.filter = filter
	b.mu.Unlock()
	for topic, payload := range b.retained {
		handler(topic, []byte(payload))
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unsubscribed = true
	}, nil
}

func newDiscoveryForTesting(t *testing.T) (*Discovery, *testutils.RecordingPublisher) {
	pub := testutils.NewRecordingPublisher()
	return NewDiscovery(pub, "", "", testutils.NewTestHelper(t).Logger), pub
}

func TestDiscovery_ExposePublishesRetainedConfig(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)

	_, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))
	require.NoError(t, err)

	msgs := pub.Topic(ch1Config)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retain)
	testutils.NewJSONAsserter(t).Assert(msgs[0].Payload, `{
		"name": "Probe 1",
		"unique_id": "fireboard_AABBCCDD9F3E_ch1",
		"object_id": "fireboard_aabbccdd9f3e_ch1",
		"state_topic": "`+ch1Base+`/state",
		"json_attributes_topic": "`+ch1Base+`/attributes",
		"availability": [{"topic": "`+ch1Base+`/availability"}, {"topic": "`+mqtt.BridgeAvailabilityTopic+`"}],
		"availability_mode": "all",
		"device_class": "temperature",
		"unit_of_measurement": "°F",
		"device": {"identifiers": ["AA:BB:CC:DD:9F:3E"], "name": "FireBoard-9F:3E"}
	}`)
}

func TestDiscovery_PushPublishesState(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	b, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))
	require.NoError(t, err)
	pub.Reset()

	b.Push(State{Value: 225.5, Available: true, Attributes: map[string]string{"device_time": "12:00"}})

	assert.Equal(t, []testutils.Published{
		{Topic: ch1Base + "/availability", Payload: "online", Retain: true},
		{Topic: ch1Base + "/state", Payload: "225.5", Retain: true},
		{Topic: ch1Base + "/attributes", Payload: `{"device_time":"12:00"}`, Retain: true},
	}, pub.Messages())

	pub.Reset()
	b.Push(State{Value: nil, Available: false})
	assert.Equal(t, "offline", pub.Topic(ch1Base+"/availability")[0].Payload)
	assert.Equal(t, "None", pub.Topic(ch1Base+"/state")[0].Payload)
}

func TestDiscovery_UnitChangeRepublishesConfig(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	b, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))
	require.NoError(t, err)
	pub.Reset()

	b.Push(State{Value: 107.0, Unit: "°C", Available: true})
	b.Push(State{Value: 108.0, Unit: "°C", Available: true})

	configs := pub.Topic(ch1Config)
	require.Len(t, configs, 1, "config is republished once per unit change")
	testutils.NewJSONAsserter(t).Assert(configs[0].Payload, `{"unit_of_measurement": "°C"}`)
}

func TestDiscovery_RemoveRetractsEntity(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	_, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))
	require.NoError(t, err)
	pub.Reset()

	require.NoError(t, d.Remove("fireboard_AABBCCDD9F3E_ch1"))

	assert.Equal(t, []testutils.Published{
		{Topic: ch1Config, Payload: "", Retain: true},
		{Topic: ch1Base + "/availability", Payload: "offline", Retain: true},
	}, pub.Messages())
	_, ok := d.Lookup("fireboard_AABBCCDD9F3E_ch1")
	assert.False(t, ok)
	assert.ErrorIs(t, d.Remove("fireboard_AABBCCDD9F3E_ch1"), ErrNotFound)
}

func TestDiscovery_PublishFailure(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	pub.FailWith(mqtt.ErrNotConnected)

	_, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))

	assert.ErrorIs(t, err, mqtt.ErrNotConnected)
	assert.Empty(t, d.Records(), "failed exposure registers nothing")
}

func TestDiscovery_SyncAdoptsRetainedEntities(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	broker := &retainedBroker{retained: map[string]string{
		"homeassistant/sensor/other/lamp/config":      `{"name":"Lamp","unique_id":"lamp_1"}`,
		"homeassistant/sensor/other/broken/config":    `{not json`,
		"homeassistant/sensor/other/retracted/config": ``,
	}}
	broker.retained[ch1Config] = `{"name":"Probe 1","unique_id":"fireboard_AABBCCDD9F3E_ch1","device":{"identifiers":["AA:BB:CC:DD:9F:3E"]}}`

	n, err := d.Sync(context.Background(), broker, "fireboard_", 10*time.Millisecond)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "homeassistant/sensor/+/+/config", broker.filter)
	assert.True(t, broker.unsubscribed)

	r, ok := d.Lookup("fireboard_AABBCCDD9F3E_ch1")
	require.True(t, ok)
	assert.Equal(t, "Probe 1", r.Descriptor.Name)

	// adopted entities are retracted without touching their availability
	require.NoError(t, d.Remove("fireboard_AABBCCDD9F3E_ch1"))
	assert.Equal(t, []testutils.Published{{Topic: ch1Config, Payload: "", Retain: true}}, pub.Messages())
}

func TestDiscovery_SyncStopsOnCancel(t *testing.T) {
	d, _ := newDiscoveryForTesting(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := d.Sync(ctx, &retainedBroker{}, "fireboard_", time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, n)

	_, err = d.Sync(context.Background(), &retainedBroker{err: errors.New("no session")}, "fireboard_", time.Hour)
	assert.ErrorContains(t, err, "discovery sync")
}

func TestDiscovery_RepublishRestoresExposedEntities(t *testing.T) {
	d, pub := newDiscoveryForTesting(t)
	broker := &retainedBroker{retained: map[string]string{
		"homeassistant/sensor/x/fireboard_old/config": `{"name":"Old","unique_id":"fireboard_old"}`,
	}}
	_, err := d.Sync(context.Background(), broker, "fireboard_", time.Millisecond)
	require.NoError(t, err)

	b, err := d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch1"))
	require.NoError(t, err)
	b.Push(State{Value: 107.0, Unit: "°C", Available: true})
	_, err = d.Expose(probeDescriptor("fireboard_AABBCCDD9F3E_ch2"))
	require.NoError(t, err)
	pub.Reset()

	d.Republish()

	configs := pub.Topic(ch1Config)
	require.Len(t, configs, 1)
	testutils.NewJSONAsserter(t).Assert(configs[0].Payload, `{"unit_of_measurement": "°C"}`)
	assert.Equal(t, "107", pub.Topic(ch1Base+"/state")[0].Payload)
	assert.Equal(t, "online", pub.Topic(ch1Base+"/availability")[0].Payload)

	assert.Len(t, pub.Topic("homeassistant/sensor/aa_bb_cc_dd_9f_3e/fireboard_aabbccdd9f3e_ch2/config"), 1)
	assert.Empty(t, pub.Topic("fireble/aa_bb_cc_dd_9f_3e/fireboard_aabbccdd9f3e_ch2/state"), "never pushed, no state")
	assert.Empty(t, pub.Topic("homeassistant/sensor/fireble/fireboard_old/config"), "adopted entities are not republished")
}

func TestSanitizeTopicID(t *testing.T) {
	assert.Equal(t, "aa_bb_cc_dd_9f_3e", sanitizeTopicID("AA:BB:CC:DD:9F:3E"))
	assert.Equal(t, "probe-1_x", sanitizeTopicID("Probe-1 x"))
}
