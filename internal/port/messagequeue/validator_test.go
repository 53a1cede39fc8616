package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidCustomerMessage(t *testing.T) {
	data := []byte(`{
		"message": {"id":"m1","conversation_id":"c1","content":"I want to buy this car today","is_from_customer":true,"created_at":"2026-10-19T15:04:05Z"},
		"conversation": {"id":"c1","dealership_id":"d1","customer_id":"cu1","status":"active"}
	}`)
	if err := Validate(SubjectCustomerMessage, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCustomerMessageMissingIDs(t *testing.T) {
	data := []byte(`{"message":{"content":"hi"},"conversation":{"dealership_id":"d1"}}`)
	err := Validate(SubjectCustomerMessage, data)
	if err == nil {
		t.Fatal("expected error for missing ids")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateCustomerMessageConversationMismatch(t *testing.T) {
	data := []byte(`{"message":{"id":"m1","conversation_id":"c2"},"conversation":{"id":"c1","dealership_id":"d1"}}`)
	if err := Validate(SubjectCustomerMessage, data); err == nil {
		t.Fatal("expected error for mismatched conversation ids")
	}
}

func TestValidateCustomerMessageMissingDealership(t *testing.T) {
	data := []byte(`{"message":{"id":"m1"},"conversation":{"id":"c1"}}`)
	if err := Validate(SubjectCustomerMessage, data); err == nil {
		t.Fatal("expected error for missing dealership")
	}
}

func TestValidateValidIntentTriggered(t *testing.T) {
	data := []byte(`{"conversationId":"c1","dealershipId":"d1","triggerType":"rule","ruleId":"R-BUY-1","confidence":1}`)
	if err := Validate(SubjectIntentTriggered, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	// Unknown subjects should pass (future-proof).
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(SubjectCustomerMessage, data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateSchemaMismatch(t *testing.T) {
	// confidence should be a number, not a string
	data := []byte(`{"conversationId":"c1","confidence":"very"}`)
	err := Validate(SubjectIntentTriggered, data)
	if err == nil {
		t.Fatal("expected error for schema mismatch")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("expected 'schema validation failed' in error, got: %v", err)
	}
}
