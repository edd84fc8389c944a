package lifecycle

import "github.com/httprunner/PhoneFleet/internal/agent/tasks"

// Callbacks 聚合任务执行过程中的本地回调。
type Callbacks struct {
	OnTaskStarted func(task tasks.Task)
	OnTaskResult  func(res tasks.Result)
}

func (c Callbacks) Started(task tasks.Task) {
	if c.OnTaskStarted != nil {
		c.OnTaskStarted(task)
	}
}

func (c Callbacks) Finished(res tasks.Result) {
	if c.OnTaskResult != nil {
		c.OnTaskResult(res)
	}
}
