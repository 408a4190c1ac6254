package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ortelius/pdvd-vulncorr/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingService struct {
	project    string
	components []model.ObservedComponent
	raw        []byte
	meta       map[string]string
	err        error
}

func (r *recordingService) CreateSnapshot(_ context.Context, project string, components []model.ObservedComponent, raw []byte, meta map[string]string) (*model.Snapshot, error) {
	r.project, r.components, r.raw, r.meta = project, components, raw, meta
	if r.err != nil {
		return nil, r.err
	}
	snap := model.NewSnapshot("p1")
	snap.Key = "s1"
	snap.State = model.SnapshotCompleted
	return snap, nil
}

type mapFetcher map[string]string

func (m mapFetcher) FetchSBOM(_ context.Context, ref SBOMReference) ([]byte, error) {
	doc, ok := m[ref.URL]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(doc), nil
}

const bom = `{"bomFormat":"CycloneDX","specVersion":"1.5","components":[{"type":"library","name":"left-pad","version":"1.2.0","purl":"pkg:npm/left-pad@1.2.0"}]}`

func TestHandleSnapshotSubmittedTuples(t *testing.T) {
	svc := &recordingService{}
	msg := `{"event_type":"snapshot.submitted","event_id":"e1","schema_version":"v1","project":"web",
		"components":[{"ecosystem":"npm","name":"left-pad","version":"1.2.0"}],"metadata":{"rescan":"false"}}`

	require.NoError(t, HandleSnapshotSubmitted(context.Background(), []byte(msg), nil, svc, zap.NewNop()))
	assert.Equal(t, "web", svc.project)
	require.Len(t, svc.components, 1)
	assert.Equal(t, "left-pad", svc.components[0].Name)
	assert.Nil(t, svc.raw)
	assert.Equal(t, "false", svc.meta[model.MetaRescan])
}

func TestHandleSnapshotSubmittedInlineSBOM(t *testing.T) {
	svc := &recordingService{}
	msg := `{"event_type":"snapshot.submitted","project":"web","sbom":` + bom + `}`

	require.NoError(t, HandleSnapshotSubmitted(context.Background(), []byte(msg), nil, svc, nil))
	require.Len(t, svc.components, 1)
	assert.Equal(t, "pkg:npm/left-pad@1.2.0", svc.components[0].Purl)
	assert.JSONEq(t, bom, string(svc.raw))
	assert.Equal(t, "cyclonedx", svc.meta[model.MetaBOMFormat])
}

func TestHandleSnapshotSubmittedReference(t *testing.T) {
	svc := &recordingService{}
	fetcher := mapFetcher{"https://sboms.example.com/web.json": bom}
	msg := `{"project":"web","sbom_ref":{"url":"https://sboms.example.com/web.json"}}`

	require.NoError(t, HandleSnapshotSubmitted(context.Background(), []byte(msg), fetcher, svc, nil))
	require.Len(t, svc.components, 1)
	assert.Equal(t, "https://sboms.example.com/web.json", svc.meta[model.MetaBOMPath])

	missing := `{"project":"web","sbom_ref":{"url":"https://sboms.example.com/gone.json"}}`
	err := HandleSnapshotSubmitted(context.Background(), []byte(missing), fetcher, svc, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidEvent, "a fetch failure may succeed on redelivery")
}

func TestHandleSnapshotSubmittedRejectsInvalidEvents(t *testing.T) {
	for name, msg := range map[string]string{
		"not json":     `{"project":`,
		"no project":   `{"components":[]}`,
		"wrong type":   `{"event_type":"release.sbom.created","project":"web"}`,
		"broken sbom":  `{"project":"web","sbom":{"bomFormat":"CycloneDX","components":"nope"}}`,
		"ref no fetch": `{"project":"web","sbom_ref":{"url":"https://x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := HandleSnapshotSubmitted(context.Background(), []byte(msg), nil, &recordingService{}, nil)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}

	svc := &recordingService{err: errors.New("store down")}
	err := HandleSnapshotSubmitted(context.Background(), []byte(`{"project":"web"}`), nil, svc, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")
}

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestAlertProducerPublishesSummary(t *testing.T) {
	w := &captureWriter{}
	p := &AlertProducer{Writer: w}

	snap := model.Snapshot{Key: "s2", ProjectID: "p1", Sequence: 2}
	summary := model.AlertSummary{ProjectID: "p1", SnapshotID: "s2", High: 2, Total: 2, New: 2}
	require.NoError(t, p.AlertsCalculated(context.Background(), snap, summary))
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "p1", string(w.msgs[0].Key))

	var event AlertsCalculatedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, EventAlertsCalculated, event.EventType)
	assert.Equal(t, SchemaVersion, event.SchemaVersion)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "s2", event.SnapshotID)
	assert.Equal(t, int64(2), event.Sequence)
	assert.Equal(t, 2, event.Summary.High)
}
