package types

import (
	"encoding/json"
	"testing"
)

func TestDecodeStagePayload_Shapes(t *testing.T) {
	want := DueSignal{FileType: "intervals", LoadDate: "2024-03-01", Hour: "04", QueryFlag: Yes}

	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "bare body",
			raw:  `{"file_type":"intervals","load_date":"2024-03-01","hour":"04","query_flag":"Y"}`,
		},
		{
			name: "stage response",
			raw:  `{"statusCode":200,"body":{"file_type":"intervals","load_date":"2024-03-01","hour":"04","query_flag":"Y"}}`,
		},
		{
			name: "stage response with string body",
			raw:  `{"statusCode":200,"body":"{\"file_type\":\"intervals\",\"load_date\":\"2024-03-01\",\"hour\":\"04\",\"query_flag\":\"Y\"}"}`,
		},
		{
			name: "destination envelope",
			raw: `{"version":"1.0","requestContext":{"condition":"Success"},
				"responsePayload":{"statusCode":200,"body":{"file_type":"intervals","load_date":"2024-03-01","hour":"04","query_flag":"Y"}}}`,
		},
		{
			name: "json string wrapping a body",
			raw:  `"{\"file_type\":\"intervals\",\"load_date\":\"2024-03-01\",\"hour\":\"04\",\"query_flag\":\"Y\"}"`,
		},
		{
			name: "sqs event",
			raw: `{"Records":[{"messageId":"m-1","eventSource":"aws:sqs",
				"body":"{\"statusCode\":200,\"body\":{\"file_type\":\"intervals\",\"load_date\":\"2024-03-01\",\"hour\":\"04\",\"query_flag\":\"Y\"}}"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeStagePayload[DueSignal](json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("DecodeStagePayload() error = %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d bodies, want 1", len(got))
			}
			if got[0] != want {
				t.Errorf("body = %+v, want %+v", got[0], want)
			}
		})
	}
}

func TestDecodeStagePayload_MultipleSQSRecords(t *testing.T) {
	raw := `{"Records":[
		{"messageId":"a","eventSource":"aws:sqs","body":"{\"file_type\":\"bills\",\"load_date\":\"2024-03-01\",\"hour\":\"00\",\"trigger_export_flag\":\"Y\"}"},
		{"messageId":"b","eventSource":"aws:sqs","body":"{\"file_type\":\"intervals\",\"load_date\":\"2024-03-02\",\"hour\":\"01\",\"trigger_export_flag\":\"N\"}"}]}`

	got, err := DecodeStagePayload[QueryResult](json.RawMessage(raw))
	if err != nil {
		t.Fatalf("DecodeStagePayload() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bodies, want 2", len(got))
	}
	if got[0].FileType != "bills" || !got[0].TriggerExportFlag.IsYes() {
		t.Errorf("first body = %+v", got[0])
	}
	if got[1].FileType != "intervals" || got[1].TriggerExportFlag.IsYes() {
		t.Errorf("second body = %+v", got[1])
	}
}

func TestDecodeStagePayload_Errors(t *testing.T) {
	for _, raw := range []string{"", "   ", "{not json", `"{broken"`, `[1,2,3]`} {
		_, err := DecodeStagePayload[DueSignal](json.RawMessage(raw))
		if err == nil {
			t.Errorf("DecodeStagePayload(%q) expected error", raw)
			continue
		}
		if KindOf(err) != KindParse {
			t.Errorf("DecodeStagePayload(%q) kind = %q, want %q", raw, KindOf(err), KindParse)
		}
	}
}

func TestFlag_IsYes(t *testing.T) {
	if !Yes.IsYes() || No.IsYes() || Flag("y").IsYes() || Flag("").IsYes() {
		t.Error("only the exact \"Y\" flag is a yes")
	}
}

func TestSQSRecords(t *testing.T) {
	raw := `{"Records":[{"messageId":"m-1","eventSource":"aws:sqs","body":"{\"file_type\":\"intervals\",\"load_date\":\"2024-03-01\",\"hour\":\"04\",\"slot_id\":5,\"query_flag\":\"Y\"}"}]}`

	records, ok := SQSRecords(json.RawMessage(raw))
	if !ok || len(records) != 1 || records[0].MessageId != "m-1" {
		t.Fatalf("SQSRecords = %+v, %v", records, ok)
	}
	sigs, err := DecodeStagePayload[DueSignal](json.RawMessage(records[0].Body))
	if err != nil {
		t.Fatalf("DecodeStagePayload() error = %v", err)
	}
	if sigs[0].SlotID != 5 {
		t.Errorf("slot id = %d, want 5", sigs[0].SlotID)
	}

	for _, raw := range []string{
		`{"file_type":"intervals"}`,
		`{"Records":[{"eventSource":"aws:s3","body":"{}"}]}`,
		`{"Records":[]}`,
	} {
		if _, ok := SQSRecords(json.RawMessage(raw)); ok {
			t.Errorf("SQSRecords(%s) reported an SQS event", raw)
		}
	}
}
