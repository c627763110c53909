// Copyright 2022 The livesub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// ErrTaskQueueFull returned by TrySubmit when the task buffer has no room left
var ErrTaskQueueFull = errors.New("task queue full")

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit submit a new task parameter, waiting for buffer room until the context ends
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// TrySubmit submit a new task parameter without waiting. Returns ErrTaskQueueFull
	// when the buffer has no room.
	TrySubmit(newTaskParam interface{}) error
	// ProcessNewTaskParam process one task parameter in the caller's goroutine
	ProcessNewTaskParam(newTaskParam interface{}) error
	// AddToTaskExecutionMap register the handler for a task parameter type
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start processing submitted tasks
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop processing submitted tasks
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name         string
	done         chan bool
	newTasks     chan interface{}
	lock         sync.RWMutex
	executionMap map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(name string, taskBuffer int) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("task buffer length must be positive: %d", taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	return &taskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		done:         make(chan bool, 1),
		newTasks:     make(chan interface{}, taskBuffer),
		executionMap: make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// TrySubmit submit a new task parameter for processing if there is room
func (p *taskProcessorImpl) TrySubmit(newTaskParam interface{}) error {
	select {
	case p.newTasks <- newTaskParam:
		return nil
	default:
		return ErrTaskQueueFull
	}
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	select {
	case p.done <- true:
	default:
	}
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.lock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	p.lock.RUnlock()
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.done:
				return
			case newTaskParam := <-p.newTasks:
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implement TaskProcessor but support multiple parallel workers
type taskDemuxProcessorImpl struct {
	Component
	name     string
	workers  []TaskProcessor
	lock     sync.Mutex
	routeIdx int
}

// GetNewTaskDemuxProcessorInstance get instance of TaskDemuxProcessor. Tasks are
// spread round-robin across the workers, so ordering between tasks is not kept.
func GetNewTaskDemuxProcessorInstance(
	name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("worker count must be positive: %d", workerNum)
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: Component{LogTags: logTags},
		name:      name,
		workers:   workers,
	}, nil
}

// nextWorker pick the next worker in the rotation
func (p *taskDemuxProcessorImpl) nextWorker() TaskProcessor {
	p.lock.Lock()
	defer p.lock.Unlock()
	worker := p.workers[p.routeIdx]
	p.routeIdx = (p.routeIdx + 1) % len(p.workers)
	return worker
}

// Submit submit a new task parameter for processing
func (p *taskDemuxProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	return p.nextWorker().Submit(ctxt, newTaskParam)
}

// TrySubmit submit a new task parameter for processing if the next worker has room
func (p *taskDemuxProcessorImpl) TrySubmit(newTaskParam interface{}) error {
	return p.nextWorker().TrySubmit(newTaskParam)
}

// ProcessNewTaskParam process the task in the caller's goroutine
func (p *taskDemuxProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	return p.workers[0].ProcessNewTaskParam(newTaskParam)
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskDemuxProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		if err := worker.AddToTaskExecutionMap(theType, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start the event loop
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
