package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"c2cpipeline/internal/app"
	"c2cpipeline/internal/metrics"
	"c2cpipeline/internal/types"
)

// --- Mock Evaluator ---

type mockEvaluator struct {
	calls []types.ScheduleRequest
	flag  types.Flag
	err   error
	// failFor makes only requests for this file type fail with err.
	failFor string
}

func (m *mockEvaluator) Evaluate(ctx context.Context, req types.ScheduleRequest) (types.DueSignal, error) {
	m.calls = append(m.calls, req)
	if m.err != nil && (m.failFor == "" || m.failFor == req.FileType) {
		return types.DueSignal{}, m.err
	}
	return types.DueSignal{FileType: req.FileType, LoadDate: "2024-03-01", Hour: "04", QueryFlag: m.flag}, nil
}

// --- Mock Forwarder ---

type mockForwarder struct {
	bodies []any
	err    error
}

func (m *mockForwarder) Forward(ctx context.Context, stage, fileType string, body any) error {
	if m.err != nil {
		return m.err
	}
	m.bodies = append(m.bodies, body)
	return nil
}

// --- Mock Publisher ---

type mockPublisher struct {
	recorded []metrics.StageMetric
}

func (m *mockPublisher) RecordStage(ctx context.Context, sm metrics.StageMetric) error {
	m.recorded = append(m.recorded, sm)
	return nil
}

func testRuntime(fwd app.Forwarder, pub metrics.Publisher) *app.Runtime {
	return &app.Runtime{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Forwarder: fwd,
		Metrics:   pub,
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC)
}

func TestHandler_DueSignalIsForwarded(t *testing.T) {
	eval := &mockEvaluator{flag: types.Yes}
	fwd := &mockForwarder{}
	pub := &mockPublisher{}
	h := newHandler(eval, testRuntime(fwd, pub), fixedNow)

	out, err := h(context.Background(), json.RawMessage(`{"file_type":"intervals","schd_start_datetime":"2024-03-01T00:00:00Z","event_datetime":"2024-03-01T05:00:00Z"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, ok := out.(types.StageResponse[types.DueSignal])
	if !ok {
		t.Fatalf("expected a single StageResponse, got %T", out)
	}
	if resp.StatusCode != 200 || resp.Body.QueryFlag != types.Yes || resp.Body.Hour != "04" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(fwd.bodies) != 1 {
		t.Errorf("expected 1 forwarded message, got %d", len(fwd.bodies))
	}
	if len(pub.recorded) != 1 || pub.recorded[0].Outcome != metrics.OutcomeSucceeded {
		t.Errorf("unexpected metrics: %+v", pub.recorded)
	}
}

func TestHandler_NotDueIsNotForwarded(t *testing.T) {
	eval := &mockEvaluator{flag: types.No}
	fwd := &mockForwarder{}
	pub := &mockPublisher{}
	h := newHandler(eval, testRuntime(fwd, pub), fixedNow)

	_, err := h(context.Background(), json.RawMessage(`{"file_type":"intervals","event_datetime":"2024-03-01T05:00:00Z"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fwd.bodies) != 0 {
		t.Errorf("expected nothing forwarded, got %d", len(fwd.bodies))
	}
	if len(pub.recorded) != 1 || pub.recorded[0].Outcome != metrics.OutcomeSkipped {
		t.Errorf("unexpected metrics: %+v", pub.recorded)
	}
}

func TestHandler_DefaultsEventDateTime(t *testing.T) {
	eval := &mockEvaluator{flag: types.No}
	h := newHandler(eval, testRuntime(nil, nil), fixedNow)

	if _, err := h(context.Background(), json.RawMessage(`{"file_type":"intervals"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eval.calls) != 1 {
		t.Fatalf("expected 1 evaluation, got %d", len(eval.calls))
	}
	if got := eval.calls[0].EventDateTime; got != "2024-03-01T05:00:00Z" {
		t.Errorf("expected event_datetime defaulted to now, got %q", got)
	}
}

func TestHandler_StringEncodedPayload(t *testing.T) {
	eval := &mockEvaluator{flag: types.No}
	h := newHandler(eval, testRuntime(nil, nil), fixedNow)

	raw := json.RawMessage(`"{\"file_type\":\"intervals\",\"event_datetime\":\"2024-03-01T05:00:00Z\",\"frequency\":\"Hourly\"}"`)
	if _, err := h(context.Background(), raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eval.calls[0].Frequency != types.FrequencyHourly {
		t.Errorf("expected Hourly frequency, got %q", eval.calls[0].Frequency)
	}
}

func TestHandler_SQSBatchReportsFailedRecords(t *testing.T) {
	eval := &mockEvaluator{
		flag:    types.Yes,
		err:     types.NewAppError(types.ErrCodeConflictConcurrent, "schedule record was modified concurrently", nil),
		failFor: "bills",
	}
	fwd := &mockForwarder{}
	h := newHandler(eval, testRuntime(fwd, nil), fixedNow)

	raw := json.RawMessage(`{"Records":[
		{"messageId":"m1","eventSource":"aws:sqs","body":"{\"file_type\":\"intervals\"}"},
		{"messageId":"m2","eventSource":"aws:sqs","body":"{\"file_type\":\"bills\"}"},
		{"messageId":"m3","eventSource":"aws:sqs","body":"not json"},
		{"messageId":"m4","eventSource":"aws:sqs","body":"{\"file_type\":\"reads\"}"}
	]}`)
	out, err := h(context.Background(), raw)
	if err != nil {
		t.Fatalf("a partially failed batch must not fail the invocation: %v", err)
	}
	resp, ok := out.(events.SQSEventResponse)
	if !ok {
		t.Fatalf("expected an SQSEventResponse, got %T", out)
	}
	want := []events.SQSBatchItemFailure{{ItemIdentifier: "m2"}, {ItemIdentifier: "m3"}}
	if !reflect.DeepEqual(resp.BatchItemFailures, want) {
		t.Errorf("failures = %+v, want %+v", resp.BatchItemFailures, want)
	}
	if len(eval.calls) != 3 || len(fwd.bodies) != 2 {
		t.Errorf("calls = %d forwards = %d, want 3 and 2", len(eval.calls), len(fwd.bodies))
	}
}

func TestHandler_SQSBatchAllSucceeded(t *testing.T) {
	h := newHandler(&mockEvaluator{flag: types.No}, testRuntime(nil, nil), fixedNow)

	raw := json.RawMessage(`{"Records":[{"messageId":"m1","eventSource":"aws:sqs","body":"{\"file_type\":\"intervals\"}"}]}`)
	out, err := h(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := out.(events.SQSEventResponse)
	if resp.BatchItemFailures == nil || len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected an empty failure list, got %#v", resp.BatchItemFailures)
	}
}

func TestHandler_EvaluateError(t *testing.T) {
	eval := &mockEvaluator{err: types.NewAppError(types.ErrCodeConfigInvalid, "no queued slot", nil)}
	h := newHandler(eval, testRuntime(nil, nil), fixedNow)

	_, err := h(context.Background(), json.RawMessage(`{"file_type":"intervals"}`))
	if types.KindOf(err) != types.KindConfiguration {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

func TestHandler_ForwardErrorFailsInvocation(t *testing.T) {
	boom := errors.New("sqs down")
	eval := &mockEvaluator{flag: types.Yes}
	h := newHandler(eval, testRuntime(&mockForwarder{err: boom}, nil), fixedNow)

	_, err := h(context.Background(), json.RawMessage(`{"file_type":"intervals"}`))
	if !errors.Is(err, boom) {
		t.Errorf("expected forward error, got %v", err)
	}
}

func TestHandler_InvalidPayload(t *testing.T) {
	h := newHandler(&mockEvaluator{}, testRuntime(nil, nil), fixedNow)

	_, err := h(context.Background(), json.RawMessage(`not json`))
	if types.KindOf(err) != types.KindParse {
		t.Errorf("expected ParseError, got %v", err)
	}
}
