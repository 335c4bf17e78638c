package fhir

import "testing"

func TestNewClient_NoTransportTimeout(t *testing.T) {
	c, err := NewClient("https://fhir.example.com/r4")
	if err != nil {
		t.Fatal(err)
	}
	if c.httpClient.Timeout != 0 {
		t.Errorf("http client timeout = %v, want none so the context deadline governs", c.httpClient.Timeout)
	}
	if got := c.BaseURL(); got != "https://fhir.example.com/r4/" {
		t.Errorf("base url = %q", got)
	}
}
