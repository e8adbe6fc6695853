package liveq

import (
	"slices"
	"sync"
)

// edge-triggered notification. `NotifyChannel` returns a channel that
// closes on the next `NotifyAll`.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

type callbackId = int

// makes a copy of the list on update, so that iteration over `Get` never
// races an add or remove
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      callbackId
	callbackIds []callbackId
	callbacks   map[callbackId]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []callbackId{},
		callbacks:   map[callbackId]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, id := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[id])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) callbackId {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, id)
	self.callbacks[id] = callback
	return id
}

func (self *CallbackList[T]) Remove(id callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, id)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, id)
}
