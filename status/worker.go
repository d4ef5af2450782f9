package status

//WorkerState lifecycle state of a worker context
type WorkerState string

const (
	//WorkerStarting worker is spawning and has not acknowledged init yet
	WorkerStarting WorkerState = "STARTING"
	//WorkerIdle worker is alive and waiting for work
	WorkerIdle WorkerState = "IDLE"
	//WorkerRunning worker is processing a batch
	WorkerRunning WorkerState = "RUNNING"
	//WorkerStopping worker received a shutdown command and is draining
	WorkerStopping WorkerState = "STOPPING"
	//WorkerStopped worker has terminated and released its resources
	WorkerStopped WorkerState = "STOPPED"
	//WorkerCrashed worker terminated abnormally
	WorkerCrashed WorkerState = "CRASHED"
	//WorkerZombie worker claims to run but missed its heartbeat deadline
	WorkerZombie WorkerState = "ZOMBIE"
)

var workerTransitions = map[WorkerState][]WorkerState{
	WorkerStarting: {WorkerIdle, WorkerRunning, WorkerStopping, WorkerCrashed, WorkerZombie},
	WorkerIdle:     {WorkerRunning, WorkerStopping, WorkerCrashed, WorkerZombie},
	WorkerRunning:  {WorkerIdle, WorkerStopping, WorkerCrashed, WorkerZombie},
	WorkerStopping: {WorkerStopped, WorkerCrashed},
	WorkerCrashed:  {WorkerStopped},
	WorkerZombie:   {WorkerStopped},
	WorkerStopped:  {},
}

//CanTransition reports whether moving from s to next is a legal lifecycle step.
//Stopped is terminal, crashed and zombie workers may only be cleaned up.
func (s WorkerState) CanTransition(next WorkerState) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

//Alive reports whether the worker can still accept or finish work.
func (s WorkerState) Alive() bool {
	switch s {
	case WorkerStarting, WorkerIdle, WorkerRunning:
		return true
	}
	return false
}
