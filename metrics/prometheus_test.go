package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/obelisk/changerequest"
	"github.com/warp/obelisk/changerequest/store"
)

func TestPrometheus_CountsByKindEventResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.ObserveOperation(changerequest.KindPurchaseCancel, "approve", changerequest.OutcomeOK, time.Millisecond)
	m.ObserveOperation(changerequest.KindPurchaseCancel, "approve", changerequest.OutcomeConflict, time.Millisecond)
	m.ObserveOperation(changerequest.KindPurchaseCancel, "approve", changerequest.OutcomeConflict, time.Millisecond)
	m.ObserveOperation("", "create", changerequest.OutcomeRejected, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	var observations uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "obelisk_change_request_transitions_total":
			for _, metric := range mf.GetMetric() {
				labels := map[string]string{}
				for _, lp := range metric.GetLabel() {
					labels[lp.GetName()] = lp.GetValue()
				}
				counts[labels["kind"]+"/"+labels["event"]+"/"+labels["result"]] = metric.GetCounter().GetValue()
			}
		case "obelisk_change_request_operation_duration_seconds":
			for _, metric := range mf.GetMetric() {
				observations += metric.GetHistogram().GetSampleCount()
			}
		}
	}

	assert.Equal(t, 1.0, counts["PurchaseCancelRequest/approve/ok"])
	assert.Equal(t, 2.0, counts["PurchaseCancelRequest/approve/conflict"])
	assert.Equal(t, 1.0, counts["unknown/create/rejected"])
	assert.Equal(t, uint64(4), observations)
}

func TestPrometheus_UnregisteredKindsShareOneSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	wf := changerequest.NewWorkflow(store.NewMemory(), changerequest.DefaultRegistry())
	wf.Metrics = NewPrometheus(reg)
	admin := changerequest.Actor{ID: 1, Role: changerequest.RoleAdministrator}

	// WHEN: Clients submit many made-up kinds
	for i := 0; i < 20; i++ {
		_, err := wf.Create(context.Background(), admin, changerequest.CreateParams{
			Kind:  changerequest.Kind(fmt.Sprintf("Junk%d", i)),
			AppID: 1,
		})
		require.ErrorIs(t, err, changerequest.ErrUnknownKind)
	}

	// THEN: They are counted under a single label set
	families, err := reg.Gather()
	require.NoError(t, err)

	var series int
	var kinds []string
	for _, mf := range families {
		if mf.GetName() != "obelisk_change_request_transitions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			series++
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "kind" {
					kinds = append(kinds, lp.GetValue())
				}
			}
			assert.Equal(t, 20.0, metric.GetCounter().GetValue())
		}
	}
	assert.Equal(t, 1, series)
	assert.Equal(t, []string{"unknown"}, kinds)
}
