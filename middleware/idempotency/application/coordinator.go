package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"idempotency-gateway/middleware/idempotency/domain"
)

// WaitPolicy define o que fazer quando uma duplicata chega com a execução
// original ainda em andamento.
type WaitPolicy int

const (
	// WaitNone sinaliza ErrConcurrentInFlight imediatamente.
	WaitNone WaitPolicy = iota
	// WaitResolve suspende até a execução original resolver (ou WaitTimeout).
	WaitResolve
)

// Operation é a operação de negócio embrulhada. É o único caminho de código
// que produz o efeito colateral real; o coordenador garante que, por chave,
// ela roda no máximo uma vez dentro da janela de TTL.
//
// Assumimos operações efetivamente atômicas do ponto de vista do coordenador:
// ou aplicam por inteiro, ou falham de forma segura para retry. Efeitos
// parciais antes de falhar precisam ser validados por operação.
type Operation func(ctx context.Context) ([]byte, error)

// Coordinator concentra a regra de single-flight.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas orquestra o Store:
// o primeiro chamador de uma chave executa, os demais observam o resultado
// registrado. Instancie um por processo e injete; nunca singleton de pacote.
type Coordinator struct {
	Store domain.Store

	// Pool limita execuções simultâneas (vaga consumida só pelo executor).
	// Nil desabilita o limite.
	Pool domain.SlotPool
	// AcquireTimeout limita a espera por vaga. <= 0 espera até ctx encerrar.
	AcquireTimeout time.Duration

	// Wait decide o destino de duplicatas com execução em andamento.
	Wait WaitPolicy
	// WaitTimeout limita a suspensão em WaitResolve. Default 10s.
	WaitTimeout time.Duration
	// PollInterval é o fallback de espera quando a execução dona está em
	// outro processo (store compartilhado). Default 50ms.
	PollInterval time.Duration

	// Policies seleciona a política de falha por operação; ausente usa
	// DefaultPolicy. O zero value é retryable (não envenena a chave).
	Policies      map[string]domain.FailurePolicy
	DefaultPolicy domain.FailurePolicy

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Result é o desfecho de Execute. Executed diferencia o chamador que invocou
// a operação real dos que só observaram o resultado registrado.
type Result struct {
	Record   domain.Record
	Executed bool
}

// FailurePayloader permite ao erro da operação escolher o payload gravado em
// ErrorInfo sob política permanente; sem ele, vai o texto de Error().
type FailurePayloader interface {
	FailurePayload() []byte
}

// Execute aplica a operação no máximo uma vez por (operationID, key) dentro
// da janela de TTL e entrega a todos os chamadores o mesmo Record.
//
// Retornos de erro: ErrKeyReuseMismatch (mesma chave, payload diferente),
// ErrConcurrentInFlight (duplicata com original em andamento),
// ErrCapacityExhausted (sem vaga de execução), ErrStorageUnavailable
// (backend fora), ou o erro da própria operação sob política retryable.
// Uma falha sob política permanente vem como Record FAILED, sem erro.
//
// Se o storage falha só depois da operação ter rodado, o erro vem acompanhado
// de Result com Executed=true e o payload produzido: o chamador deve usar esse
// resultado em vez de re-executar, porque o efeito colateral já aconteceu.
func (c *Coordinator) Execute(ctx context.Context, operationID, key, payloadHash string, ttl time.Duration, op Operation) (Result, error) {
	k := domain.Key{Operation: operationID, Value: key}

	if c.Store == nil {
		// degradação graciosa: sem store não há deduplicação, mas a chamada
		// individual continua funcionando.
		return c.runBare(ctx, k, payloadHash, ttl, op)
	}

	waitTimeout := c.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	poll := c.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	var timeoutC <-chan time.Time

	for {
		res, err := c.Store.BeginOrGet(ctx, k, payloadHash, ttl)
		if err != nil {
			return Result{}, err
		}

		if res.Began {
			return c.runOwned(ctx, res.Handle, operationID, op)
		}

		rec := res.Record
		if hashMismatch(rec.PayloadHash, payloadHash) {
			return Result{}, fmt.Errorf("%w: key %s", domain.ErrKeyReuseMismatch, k)
		}
		if rec.Terminal() {
			return Result{Record: rec}, nil
		}

		// pending: outra execução em andamento para esta chave.
		if c.Wait != WaitResolve {
			return Result{}, fmt.Errorf("%w: key %s", domain.ErrConcurrentInFlight, k)
		}
		if timeoutC == nil {
			timer := time.NewTimer(waitTimeout)
			defer timer.Stop()
			timeoutC = timer.C
		}
		if err := c.waitResolved(ctx, k, poll, timeoutC, waitTimeout); err != nil {
			return Result{}, err
		}
		// acordou: volta ao BeginOrGet. Se a dona falhou com política
		// retryable o registro sumiu e este chamador pode virar o executor.
	}
}

// runOwned é o caminho do executor: este chamador tem posse exclusiva do
// registro pending e é o único que invoca a operação real.
func (c *Coordinator) runOwned(ctx context.Context, h domain.Handle, operationID string, op Operation) (Result, error) {
	done := c.announce(h.Key)
	defer c.resolve(h.Key, done)

	if c.Pool != nil {
		release, ok := c.acquireSlot(ctx)
		if !ok {
			// desfaz o pending para não travar a chave atrás de um 503.
			_ = c.Store.Delete(context.WithoutCancel(ctx), h)
			return Result{}, fmt.Errorf("%w: key %s", domain.ErrCapacityExhausted, h.Key)
		}
		defer release()
	}

	result, opErr := op(ctx)
	if opErr != nil {
		if c.policyFor(operationID) == domain.PolicyPermanent {
			payload := []byte(opErr.Error())
			var fp FailurePayloader
			if errors.As(opErr, &fp) {
				payload = fp.FailurePayload()
			}
			rec, err := c.Store.Complete(context.WithoutCancel(ctx), h, domain.StatusFailed, payload)
			if err != nil {
				return Result{Record: localRecord(h.Key, domain.StatusFailed, payload), Executed: true}, err
			}
			return Result{Record: rec, Executed: true}, nil
		}
		// retryable: remove o pending para que uma nova chamada re-tente.
		_ = c.Store.Delete(context.WithoutCancel(ctx), h)
		return Result{}, opErr
	}

	rec, err := c.Store.Complete(context.WithoutCancel(ctx), h, domain.StatusCompleted, result)
	if err != nil {
		return Result{Record: localRecord(h.Key, domain.StatusCompleted, result), Executed: true}, err
	}
	return Result{Record: rec, Executed: true}, nil
}

// localRecord reconstrói o registro que Complete teria gravado. Quando o
// storage falha depois da operação já ter executado, o resultado produzido não
// pode se perder: quem chamou precisa dele para responder sem re-executar o
// efeito colateral.
func localRecord(k domain.Key, status domain.Status, payload []byte) domain.Record {
	rec := domain.Record{Key: k, Status: status, CreatedAt: time.Now()}
	if status == domain.StatusCompleted {
		rec.Result = payload
	} else {
		rec.ErrorInfo = payload
	}
	return rec
}

func (c *Coordinator) runBare(ctx context.Context, k domain.Key, payloadHash string, ttl time.Duration, op Operation) (Result, error) {
	result, err := op(ctx)
	if err != nil {
		return Result{}, err
	}
	now := time.Now()
	return Result{
		Record: domain.Record{
			Key:         k,
			Status:      domain.StatusCompleted,
			PayloadHash: payloadHash,
			Result:      result,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		},
		Executed: true,
	}, nil
}

func (c *Coordinator) acquireSlot(ctx context.Context) (func(), bool) {
	if c.AcquireTimeout <= 0 {
		return c.Pool.Acquire(ctx)
	}
	acqCtx, cancel := context.WithTimeout(ctx, c.AcquireTimeout)
	defer cancel()
	return c.Pool.Acquire(acqCtx)
}

// waitResolved suspende até a execução dona desta chave sinalizar conclusão.
//
// Se a dona está neste processo, espera no canal por chave fechado em
// resolve(). Se está em outro processo (store compartilhado), cai no fallback
// de polling: acorda a cada PollInterval e reconsulta o store.
func (c *Coordinator) waitResolved(ctx context.Context, k domain.Key, poll time.Duration, timeoutC <-chan time.Time, waitTimeout time.Duration) error {
	var wake <-chan time.Time
	notify := c.waiterFor(k)
	if notify == nil {
		t := time.NewTimer(poll)
		defer t.Stop()
		wake = t.C
	}

	select {
	case <-notify:
		return nil
	case <-wake:
		return nil
	case <-timeoutC:
		return fmt.Errorf("%w: key %s still pending after %s", domain.ErrConcurrentInFlight, k, waitTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) announce(k domain.Key) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiters == nil {
		c.waiters = make(map[string]chan struct{})
	}
	ch := make(chan struct{})
	c.waiters[k.String()] = ch
	return ch
}

func (c *Coordinator) resolve(k domain.Key, ch chan struct{}) {
	c.mu.Lock()
	if c.waiters[k.String()] == ch {
		delete(c.waiters, k.String())
	}
	c.mu.Unlock()
	close(ch)
}

func (c *Coordinator) waiterFor(k domain.Key) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[k.String()]
	if !ok {
		return nil
	}
	return ch
}

func (c *Coordinator) policyFor(operationID string) domain.FailurePolicy {
	if p, ok := c.Policies[operationID]; ok {
		return p
	}
	return c.DefaultPolicy
}

// hashMismatch só acusa quando os dois lados têm hash: chamadas sem payload
// (ou registros antigos sem hash) não geram falso positivo.
func hashMismatch(stored, incoming string) bool {
	return stored != "" && incoming != "" && stored != incoming
}
