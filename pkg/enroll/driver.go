package enroll

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTicketRetries = 3
	DefaultJitterMin     = 1
	DefaultJitterMax     = 5
)

// Attempter runs one registration attempt.
type Attempter interface {
	Attempt(ctx context.Context, ec Context) (Outcome, error)
}

// Driver repeats registration attempts until one succeeds. It owns the loop,
// the jitter and the ticket budget; everything else is in the Attempter.
type Driver struct {
	Source  Source
	Agent   Attempter
	Tickets TicketStore

	Interval      time.Duration
	JitterMin     int
	JitterMax     int
	TicketRetries int
	// Attended runs a single pass whatever its outcome.
	Attended bool

	Logger zerolog.Logger

	sleep func(context.Context, time.Duration) error
	intn  func(int) int
}

func NewDriver(source Source, agent Attempter, tickets TicketStore, interval time.Duration, logger zerolog.Logger) *Driver {
	return &Driver{
		Source:        source,
		Agent:         agent,
		Tickets:       tickets,
		Interval:      interval,
		JitterMin:     DefaultJitterMin,
		JitterMax:     DefaultJitterMax,
		TicketRetries: DefaultTicketRetries,
		Logger:        logger,
	}
}

// Run loops until the node is registered, ctx is cancelled, a fatal trust
// error occurs, or, when attended, after the first pass.
func (d *Driver) Run(ctx context.Context) (Outcome, error) {
	sleep := d.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	budget := d.TicketRetries
	if budget <= 0 {
		budget = DefaultTicketRetries
	}
	ticketsLeft := budget
	// spentTicket is the ticket that used up the budget. It is stripped from
	// later contexts until a different ticket is configured.
	spentTicket := ""

	for iteration := 1; ; iteration++ {
		log := d.Logger.With().Int("iteration", iteration).Logger()
		var outcome Outcome

		ec, err := d.Source.Next(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Cannot build registration context")
		} else {
			switch {
			case spentTicket == "" || ec.Ticket == "":
			case ec.Ticket == spentTicket:
				ec.Ticket = ""
			default:
				log.Info().Int("ticket_retries_left", budget).Msg("New ticket configured, restoring ticket retries")
				spentTicket = ""
				ticketsLeft = budget
			}
			if !Validate(ec) {
				log.Warn().Str("node_address", ec.NodeAddress).Str("node_name", ec.NodeName).
					Msg("Node address or name unknown, skipping registration attempt")
			} else {
				outcome, err = d.Agent.Attempt(ctx, ec)
				if err != nil {
					log.Error().Err(err).Msg("Registration aborted")
					return outcome, err
				}
			}

			if outcome.Succeeded {
				log.Info().Str("engine_time", outcome.EngineTime).Msg("Node registered")
				return outcome, nil
			}

			if ec.Ticket != "" {
				ticketsLeft--
				log.Info().Int("ticket_retries_left", ticketsLeft).Msg("Registration with ticket failed")
				if ticketsLeft <= 0 {
					spentTicket = ec.Ticket
					if d.Tickets != nil {
						if err := d.Tickets.ClearTicket(); err != nil {
							log.Error().Err(err).Msg("Failed to clear ticket from configuration")
						}
					}
					log.Warn().Msg("Ticket retries exhausted, continuing without ticket")
				}
			}
		}

		if d.Attended {
			return outcome, nil
		}

		delay := jitteredInterval(d.Interval, d.JitterMin, d.JitterMax, d.intn)
		log.Info().Dur("sleep", delay).Msg("Not registered, retrying")
		if err := sleep(ctx, delay); err != nil {
			return outcome, err
		}
	}
}
