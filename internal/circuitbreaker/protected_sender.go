package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Sender mirrors the gateway send primitive to avoid circular imports.
type Sender interface {
	SendMessage(ctx context.Context, instanceName, toPhone, content string) (string, error)
}

// ProtectedSender wraps a gateway Sender with a CircuitBreaker. When the
// gateway starts failing, the circuit opens and sends fail fast instead of
// piling up behind a dead endpoint; the failures feed the normal retry path.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// SendMessage attempts a send through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately.
func (p *ProtectedSender) SendMessage(ctx context.Context, instanceName, toPhone, content string) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("instance", instanceName),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	deliveryID, err := p.sender.SendMessage(ctx, instanceName, toPhone, content)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return deliveryID, nil
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
