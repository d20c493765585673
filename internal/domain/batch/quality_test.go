package batch

import (
	"testing"
)

func TestRuleEvaluator(t *testing.T) {
	ev, err := NewRuleEvaluator()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("boolean verdicts", func(t *testing.T) {
		ok, err := ev.Evaluate("params.gsm >= 110.0 && params.gsm <= 130.0",
			map[string]any{"gsm": 118.5})
		if err != nil || !ok {
			t.Errorf("verdict = %v, err = %v, want true", ok, err)
		}
		ok, err = ev.Evaluate("params.gsm >= 110.0", map[string]any{"gsm": 95.0})
		if err != nil || ok {
			t.Errorf("verdict = %v, err = %v, want false", ok, err)
		}
	})

	t.Run("non-boolean result is an error", func(t *testing.T) {
		if _, err := ev.Evaluate("params.gsm", map[string]any{"gsm": 1.0}); err == nil {
			t.Error("expected error for non-boolean rule")
		}
	})

	t.Run("missing parameter is an evaluation error", func(t *testing.T) {
		if _, err := ev.Evaluate("params.gsm > 1.0", map[string]any{}); err == nil {
			t.Error("expected error for missing parameter")
		}
	})
}
