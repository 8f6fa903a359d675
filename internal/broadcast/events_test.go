package broadcast

import (
	"encoding/json"
	"testing"

	"atelier/internal/domain"
)

func TestEventConstructorsSetDiscriminator(t *testing.T) {
	if e := Progress("starting", 10); e.Type != TypeProgress || e.Percent != 10 {
		t.Fatalf("Progress: %+v", e)
	}
	if e := StepProgress("saving", 80, 2, 3); e.Current != 2 || e.Total != 3 {
		t.Fatalf("StepProgress: %+v", e)
	}
	if e := Failed("failed", "boom"); e.Type != TypeFailed || e.Error != "boom" {
		t.Fatalf("Failed: %+v", e)
	}
	if e := Cancelled("cancelled"); e.Type != TypeCancelled {
		t.Fatalf("Cancelled: %+v", e)
	}
}

func TestEventPayloadOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(Progress("starting", 10))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["images"]; ok {
		t.Fatalf("progress payload carries images: %s", raw)
	}
	if _, ok := decoded["fallback"]; ok {
		t.Fatalf("progress payload carries fallback: %s", raw)
	}
	if decoded["type"] != TypeProgress {
		t.Fatalf("type = %v", decoded["type"])
	}
}

func TestFallbackProgressCarriesSummary(t *testing.T) {
	summary := domain.FallbackSummary{
		RequestedModel: "gemini-2.5-pro-image",
		UsedModel:      "gemini-2.5-flash-image",
		Refund:         12,
		UsageConsumed:  3,
		Breakdown:      map[string]int{"gemini-2.5-flash-image": 3},
	}
	e := FallbackProgress("fallback applied", 60, summary)
	if e.Fallback == nil || e.Fallback.Refund != 12 {
		t.Fatalf("event = %+v", e)
	}

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Fallback == nil || decoded.Fallback.UsedModel != "gemini-2.5-flash-image" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestChannelFor(t *testing.T) {
	if got := ChannelFor("abc"); got != "conversion:abc" {
		t.Fatalf("ChannelFor = %q", got)
	}
}
