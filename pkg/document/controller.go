// Package document implements the controller that owns one in-memory
// story document, applies transactions to it, guards field-level
// integrity, and fans applied transactions out to listeners.
//
// A controller is not safe for concurrent use and deliberately carries no
// lock: every process in the system funnels all mutation of one document
// instance through a single goroutine, so Apply is atomic from the
// caller's point of view.
package document

import (
	"github.com/storycraft/storysync/pkg/ident"
	"github.com/storycraft/storysync/pkg/logger"
	"github.com/storycraft/storysync/pkg/story"
)

// Origin tags where a transaction came from. It rides alongside the
// transaction through listener fan-out so a forwarding listener can
// suppress echo: remote transactions are applied but never re-sent to the
// relay.
type Origin uint8

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Listener observes every applied transaction together with its origin
// and the mutated document.
type Listener func(tx story.Transaction, origin Origin, model *story.StoryModel)

// Controller holds one StoryModel plus its id index.
type Controller struct {
	model *story.StoryModel
	index map[ident.ID]story.Entity

	listeners  map[int]Listener
	listenerID int

	log logger.Logger
}

// New wraps model in a controller. A nil log discards warnings.
func New(model *story.StoryModel, log logger.Logger) *Controller {
	if model == nil {
		model = story.NewStoryModel("")
	}
	return &Controller{
		model:     model,
		index:     model.Index(),
		listeners: make(map[int]Listener),
		log:       log,
	}
}

// Model returns the controlled document. Callers must not mutate it
// directly; they read it and propose transactions.
func (c *Controller) Model() *story.StoryModel {
	return c.model
}

// Find resolves id through the controller's index.
func (c *Controller) Find(id ident.ID) story.Entity {
	return c.index[id]
}

// Apply executes tx against the document, then invokes every registered
// listener with (tx, origin, model).
//
// CREATE and UPDATE are unified: an unknown target id instantiates the
// variant named by its type tag, assigns the declared params and appends
// to the correct table; a known target merges the declared params into
// the existing record. Undeclared fields are logged and skipped per
// field. An action with no target id, or whose tag resolves to no known
// variant, is logged and skipped; the remaining actions still execute.
func (c *Controller) Apply(tx story.Transaction, origin Origin) {
	for _, action := range tx {
		if action.TargetID == "" {
			c.warn("skipping action with no target id", "kind", string(action.Kind))
			continue
		}
		switch action.Kind {
		case story.KindCreate, story.KindUpdate:
			c.applyUpsert(action)
		case story.KindDelete:
			c.model.DeleteByID(action.TargetID)
			delete(c.index, action.TargetID)
		default:
			c.warn("skipping action of unknown kind", "kind", string(action.Kind), "target", string(action.TargetID))
		}
	}
	for _, listener := range c.listeners {
		listener(tx, origin, c.model)
	}
}

func (c *Controller) applyUpsert(action story.Action) {
	e, ok := c.index[action.TargetID]
	if !ok {
		tag, err := ident.TypeOf(action.TargetID)
		if err != nil {
			c.warn("skipping action with unresolvable target", "target", string(action.TargetID), "reason", err.Error())
			return
		}
		created, err := story.New(tag, action.TargetID)
		if err != nil {
			c.warn("skipping action with uninstantiable target", "target", string(action.TargetID), "reason", err.Error())
			return
		}
		c.assign(created, action.Params)
		c.model.Insert(created)
		c.index[action.TargetID] = created
		return
	}
	c.assign(e, action.Params)
}

func (c *Controller) assign(e story.Entity, params map[string]any) {
	for name, value := range params {
		if !e.Set(name, value) {
			c.warn("skipping undeclared field", "record", string(e.EntityID()), "field", name)
		}
	}
}

// AddListener registers l and returns a handle for RemoveListener.
func (c *Controller) AddListener(l Listener) int {
	c.listenerID++
	c.listeners[c.listenerID] = l
	return c.listenerID
}

// RemoveListener drops the listener registered under handle.
func (c *Controller) RemoveListener(handle int) {
	delete(c.listeners, handle)
}

func (c *Controller) warn(msg string, args ...any) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}
