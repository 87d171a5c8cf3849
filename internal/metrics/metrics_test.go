package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.RecordItemPersisted("message")
	m.RecordItemBroadcast("message_received")
	m.RecordDropped("tool_update")
	m.ObserveStoreAppend("memory", 0.002)
	m.SetActiveSubscribers("s1", 3)

	assert.Equal(t, 1, testutil.CollectAndCount(m.ItemsPersisted))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ItemsBroadcast))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ItemsDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreAppendDuration))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveSubscribers.WithLabelValues("s1")))
}

func TestRecordItemPersisted_AccumulatesPerItemType(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordItemPersisted("message")
	m.RecordItemPersisted("message")
	m.RecordItemPersisted("tool_execution")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ItemsPersisted.WithLabelValues("message")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ItemsPersisted.WithLabelValues("tool_execution")))
}

func TestSetActiveSubscribers_OverwritesRatherThanAccumulates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetActiveSubscribers("s1", 5)
	m.SetActiveSubscribers("s1", 2)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveSubscribers.WithLabelValues("s1")))
}
