package subsync

import "testing"

func TestExtractRefs(t *testing.T) {
	tests := []struct {
		name         string
		object       string
		wantCustomer string
		wantSub      string
	}{
		{"subscription object", `{"id":"sub_1","object":"subscription","customer":"cus_1"}`, "cus_1", "sub_1"},
		{"expanded customer", `{"object":"invoice","customer":{"id":"cus_2"},"subscription":"sub_2"}`, "cus_2", "sub_2"},
		{"customer_id alternate", `{"object":"checkout.session","customer_id":"cus_3"}`, "cus_3", ""},
		{"customer from expanded subscription", `{"object":"invoice","subscription":{"id":"sub_4","customer":"cus_4"}}`, "cus_4", "sub_4"},
		{"nothing", `{"object":"payment_intent"}`, "", ""},
		{"not an object", `"x"`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			customer, sub := extractRefs([]byte(tt.object))
			if customer != tt.wantCustomer || sub != tt.wantSub {
				t.Errorf("extractRefs() = %q, %q; want %q, %q", customer, sub, tt.wantCustomer, tt.wantSub)
			}
		})
	}
}
