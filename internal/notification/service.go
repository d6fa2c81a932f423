package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/adapters/academic"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/defense"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// Message is one outbound notification.
type Message struct {
	ID        types.ID  `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailProvider delivers messages.
type EmailProvider interface {
	Send(ctx context.Context, msg *Message) error
}

// ConsoleProvider logs messages instead of delivering them. The default in
// development.
type ConsoleProvider struct{}

func (ConsoleProvider) Send(ctx context.Context, msg *Message) error {
	log.Printf("notification to %s: %s", msg.Recipient, msg.Subject)
	return nil
}

// ServiceConfig tunes the delivery worker pool.
type ServiceConfig struct {
	Workers    int
	BufferSize int
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:    4,
		BufferSize: 256,
	}
}

// Service fans notifications out to defense participants through a worker
// pool. Delivery is best-effort; a failed send is logged and dropped.
type Service struct {
	provider  EmailProvider
	directory academic.Directory

	msgCh   chan *Message
	workers int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a notification service.
func NewService(provider EmailProvider, directory academic.Directory, cfg ServiceConfig) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Service{
		provider:  provider,
		directory: directory,
		msgCh:     make(chan *Message, cfg.BufferSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the delivery workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}
	s.started = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop drains the workers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// NotifyPendingParties tells every party with an unresolved approval that a
// decision on the document is waiting for them.
func (s *Service) NotifyPendingParties(ctx context.Context, doc *defense.Document, approvals []defense.Approval) error {
	for _, a := range approvals {
		if a.Status != defense.ApprovalPending {
			continue
		}
		for _, id := range s.partiesFor(doc, a) {
			s.send(ctx, id,
				"Defense record awaiting your approval",
				fmt.Sprintf("Defense record %s (version %d) has a pending %s approval.",
					doc.ID, doc.Version, a.Role),
			)
		}
	}
	return nil
}

// NotifyDocumentResolved tells every participant the document reached its
// terminal state.
func (s *Service) NotifyDocumentResolved(ctx context.Context, doc *defense.Document) error {
	subject := "Defense record resolved"
	body := fmt.Sprintf("Defense record %s (version %d) is now %s.", doc.ID, doc.Version, doc.Status)
	if doc.NotarizationID != "" {
		body += fmt.Sprintf(" Notarization id: %s.", doc.NotarizationID)
	}

	for _, id := range participants(doc) {
		s.send(ctx, id, subject, body)
	}
	return nil
}

// partiesFor returns who can still act on a pending approval.
func (s *Service) partiesFor(doc *defense.Document, a defense.Approval) []types.ID {
	switch a.Role {
	case org.RoleCoordinator:
		return []types.ID{doc.CoordinatorID}
	case org.RoleAdvisor:
		return []types.ID{doc.AdvisorID}
	case org.RoleStudent:
		return doc.StudentIDs
	}
	return nil
}

func participants(doc *defense.Document) []types.ID {
	ids := make([]types.ID, 0, len(doc.StudentIDs)+2)
	ids = append(ids, doc.StudentIDs...)
	ids = append(ids, doc.AdvisorID)
	if doc.CoordinatorID != doc.AdvisorID {
		ids = append(ids, doc.CoordinatorID)
	}
	return ids
}

func (s *Service) send(ctx context.Context, userID types.ID, subject, body string) {
	p, err := s.directory.FindByID(ctx, userID)
	if err != nil {
		log.Printf("cannot resolve participant %s for notification: %v", userID, err)
		return
	}

	msg := &Message{
		ID:        types.NewID(),
		Recipient: p.Email,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now(),
	}

	select {
	case s.msgCh <- msg:
	default:
		log.Printf("notification buffer full, dropping message to %s", p.Email)
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg := <-s.msgCh:
			if err := s.provider.Send(ctx, msg); err != nil {
				log.Printf("failed to deliver notification %s: %v", msg.ID, err)
			}
		}
	}
}
