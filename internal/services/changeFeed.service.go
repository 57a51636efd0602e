package services

import (
	"sync"

	"catalogsync/internal/events"
	"catalogsync/internal/store"

	logger "github.com/Bparsons0904/goLogger"
)

const CHANGE_FEED_BUFFER = 256

// ChangeFeedPublisher is the part of the event bus the change feed needs.
type ChangeFeedPublisher interface {
	PublishCatalogChange(view string, keys map[string][]string, counts map[string]int) error
}

// ChangeFeedService forwards persisted change sets to the event bus. Observers
// run on a view's queue, so change sets are handed to a goroutine and
// published from there.
type ChangeFeedService struct {
	publisher ChangeFeedPublisher
	changes   chan store.ChangeSet
	stopOnce  sync.Once
	done      chan struct{}
	log       logger.Logger
}

var _ ChangeFeedPublisher = (*events.EventBus)(nil)

func NewChangeFeedService(publisher ChangeFeedPublisher) *ChangeFeedService {
	return &ChangeFeedService{
		publisher: publisher,
		changes:   make(chan store.ChangeSet, CHANGE_FEED_BUFFER),
		done:      make(chan struct{}),
		log:       logger.New("changeFeedService"),
	}
}

// Attach registers the feed as an observer of set and starts publishing.
func (s *ChangeFeedService) Attach(set *store.ContextSet) {
	set.OnChange(s.observe)
	go s.run()
}

func (s *ChangeFeedService) observe(change store.ChangeSet) {
	if !change.Persisted {
		return
	}

	select {
	case <-s.done:
	case s.changes <- change:
	default:
		s.log.Function("observe").Warn("change feed is full, dropping change set",
			"view", change.View,
			"inserted", len(change.Inserted),
			"updated", len(change.Updated),
			"deleted", len(change.Deleted),
		)
	}
}

func (s *ChangeFeedService) run() {
	log := s.log.Function("run")

	for {
		select {
		case <-s.done:
			return
		case change := <-s.changes:
			if err := s.publish(change); err != nil {
				log.Er("failed to publish change set", err, "view", change.View)
			}
		}
	}
}

func (s *ChangeFeedService) publish(change store.ChangeSet) error {
	keys := make(map[string][]string)
	for kind, kindKeys := range change.Keys() {
		keys[kind.String()] = kindKeys
	}

	return s.publisher.PublishCatalogChange(change.View, keys, map[string]int{
		"inserted": len(change.Inserted),
		"updated":  len(change.Updated),
		"deleted":  len(change.Deleted),
	})
}

func (s *ChangeFeedService) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
