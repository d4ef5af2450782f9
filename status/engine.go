package status

//EngineState state of the coordinator processing loop
type EngineState string

const (
	//EngineIdle no batch is being assembled or executed
	EngineIdle EngineState = "IDLE"
	//EngineProcessing a batch is being extracted or executed
	EngineProcessing EngineState = "PROCESSING"
	//EngineThrottling processing continues under a reduced throttle factor
	EngineThrottling EngineState = "THROTTLING"
	//EnginePaused host paused the loop, only Resume leaves this state
	EnginePaused EngineState = "PAUSED"
	//EngineError the last cycle failed, the loop recovers to idle
	EngineError EngineState = "ERROR"
	//EngineStopped the engine has been shut down
	EngineStopped EngineState = "STOPPED"
)
