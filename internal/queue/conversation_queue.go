package queue

import (
	"container/list"
	"fmt"
)

// ConversationQueue is the FIFO lane of flushed units for one conversation.
// At most one unit is processing at a time, which is what keeps dispatch and
// delivery in flush order. It is owned by the coordinator goroutine.
type ConversationQueue struct {
	units          *list.List
	processing     *CombinedUnit
	conversationID string
}

// NewConversationQueue creates an empty lane.
func NewConversationQueue(conversationID string) *ConversationQueue {
	return &ConversationQueue{
		conversationID: conversationID,
		units:          list.New(),
	}
}

// Enqueue appends a unit to the lane.
func (cq *ConversationQueue) Enqueue(unit *CombinedUnit) error {
	if unit == nil {
		return fmt.Errorf("cannot enqueue nil unit")
	}
	if unit.ConversationID != cq.conversationID {
		return fmt.Errorf("unit conversation ID %s does not match queue ID %s",
			unit.ConversationID, cq.conversationID)
	}
	cq.units.PushBack(unit)
	return nil
}

// Dequeue removes and returns the next unit and marks it processing.
// Returns nil if the lane is empty or a unit is already processing.
func (cq *ConversationQueue) Dequeue() *CombinedUnit {
	if cq.processing != nil {
		return nil
	}
	front := cq.units.Front()
	if front == nil {
		return nil
	}
	unit, ok := front.Value.(*CombinedUnit)
	if !ok {
		return nil
	}
	cq.units.Remove(front)
	cq.processing = unit
	return unit
}

// Complete clears the processing unit if its id matches.
func (cq *ConversationQueue) Complete(unitID string) bool {
	if cq.processing == nil || cq.processing.ID != unitID {
		return false
	}
	cq.processing = nil
	return true
}

// Drain removes and returns every queued unit that is not processing.
func (cq *ConversationQueue) Drain() []*CombinedUnit {
	drained := make([]*CombinedUnit, 0, cq.units.Len())
	for e := cq.units.Front(); e != nil; e = cq.units.Front() {
		if unit, ok := cq.units.Remove(e).(*CombinedUnit); ok {
			drained = append(drained, unit)
		}
	}
	return drained
}

// Queued returns the waiting units in order without removing them.
func (cq *ConversationQueue) Queued() []*CombinedUnit {
	queued := make([]*CombinedUnit, 0, cq.units.Len())
	for e := cq.units.Front(); e != nil; e = e.Next() {
		if unit, ok := e.Value.(*CombinedUnit); ok {
			queued = append(queued, unit)
		}
	}
	return queued
}

// Size returns the number of units waiting.
func (cq *ConversationQueue) Size() int {
	return cq.units.Len()
}

// IsEmpty reports whether no units are waiting.
func (cq *ConversationQueue) IsEmpty() bool {
	return cq.units.Len() == 0
}

// IsProcessing reports whether a unit is running.
func (cq *ConversationQueue) IsProcessing() bool {
	return cq.processing != nil
}

// Idle reports whether the lane can be removed.
func (cq *ConversationQueue) Idle() bool {
	return cq.processing == nil && cq.units.Len() == 0
}
