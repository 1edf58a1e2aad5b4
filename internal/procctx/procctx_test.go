package procctx

import "testing"

func TestNewDefaults(t *testing.T) {
	c := New()
	if !c.ShutdownEnableCtlC() {
		t.Fatal("expected ShutdownEnableCtlC to default to true")
	}
	if c.Debug() || c.TerminateInputs() || c.AbortOnUncleanConfig() || c.AbortOnFailedQueueStartup() {
		t.Fatal("expected all other switches to default to false")
	}
}

func TestSettersRoundTrip(t *testing.T) {
	c := New()
	c.SetDebug(true)
	c.SetTerminateInputs(true)
	c.SetAbortOnUncleanConfig(true)
	c.SetAbortOnFailedQueueStartup(true)
	c.SetShutdownEnableCtlC(false)

	if !c.Debug() || !c.TerminateInputs() || !c.AbortOnUncleanConfig() || !c.AbortOnFailedQueueStartup() {
		t.Fatal("expected switches to report true after being set")
	}
	if c.ShutdownEnableCtlC() {
		t.Fatal("expected ShutdownEnableCtlC to report false after being cleared")
	}
}
