package application

import (
	"context"
	"time"

	"idempotency-gateway/middleware/idempotency/domain"

	"github.com/sirupsen/logrus"
)

// Reaper varre o store periodicamente para devolver memória.
//
// Ele não é crítico para correção: a autoridade sobre expiração é a checagem
// de TTL em tempo de leitura no BeginOrGet. Falha de varredura é logada e
// re-tentada no próximo tick; nunca bloqueia o caminho de request.
//
// A varredura também vigia registros pending além de MaxInFlight. Isso é
// condição operacional (log de erro para alertar), nunca remoção silenciosa:
// remover deixaria uma duplicata re-executar uma operação que talvez ainda
// esteja rodando.
type Reaper struct {
	Store domain.Store

	// Every é o intervalo entre varreduras. <= 0 desabilita o Start.
	Every time.Duration
	// MaxInFlight é o teto tolerado para um pending. <= 0 desabilita o alarme.
	MaxInFlight time.Duration

	Log logrus.FieldLogger
}

// Start inicia uma goroutine que varre o store periodicamente.
// Pare cancelando o contexto.
func (r *Reaper) Start(ctx context.Context) {
	if r.Every <= 0 {
		return
	}

	t := time.NewTicker(r.Every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Sweep executa uma varredura única. Exposto para testes e para forçar via
// endpoint administrativo.
func (r *Reaper) Sweep(ctx context.Context) {
	log := r.logger()
	now := time.Now()

	evicted, err := r.Store.EvictExpired(ctx, now)
	if err != nil {
		log.WithError(err).Error("idempotency: sweep failed")
	} else if evicted > 0 {
		log.WithField("evicted", evicted).Debug("idempotency: sweep evicted expired records")
	}

	if r.MaxInFlight <= 0 {
		return
	}

	stuck, err := r.Store.PendingSince(ctx, now.Add(-r.MaxInFlight))
	if err != nil {
		log.WithError(err).Error("idempotency: stuck-pending scan failed")
		return
	}
	for _, rec := range stuck {
		log.WithFields(logrus.Fields{
			"key":        rec.Key.String(),
			"created_at": rec.CreatedAt,
			"age":        now.Sub(rec.CreatedAt).String(),
		}).Error("idempotency: pending record exceeded max in-flight duration")
	}
}

func (r *Reaper) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}
