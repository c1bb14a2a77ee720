package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/raisefi/offering_layer/internal/app/events"
	escrowsvc "github.com/raisefi/offering_layer/internal/app/services/escrow"
	ledgersvc "github.com/raisefi/offering_layer/internal/app/services/ledger"
	offeringsvc "github.com/raisefi/offering_layer/internal/app/services/offering"
	positionsvc "github.com/raisefi/offering_layer/internal/app/services/position"
	pricefeedsvc "github.com/raisefi/offering_layer/internal/app/services/pricefeed"
	"github.com/raisefi/offering_layer/internal/app/storage"
	"github.com/raisefi/offering_layer/internal/app/storage/memory"
	"github.com/raisefi/offering_layer/internal/app/system"
	"github.com/raisefi/offering_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Offerings  storage.OfferingStore
	Escrow     storage.EscrowStore
	Positions  storage.PositionStore
	Balances   storage.BalanceStore
	PriceFeeds storage.PriceFeedStore
}

// Roles collects the role assignments for every service.
type Roles struct {
	Escrow   escrowsvc.Roles
	Position positionsvc.Roles
	Offering offeringsvc.Roles
}

// Options tunes application construction beyond the stores.
type Options struct {
	Roles Roles
	// AccrualSpec is the cron spec for the accrual estimate job.
	AccrualSpec string
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Balances   *ledgersvc.Service
	PriceFeeds *pricefeedsvc.Service
	Escrow     *escrowsvc.Service
	Positions  *positionsvc.Service
	Offerings  *offeringsvc.Service
	Events     *events.Bus
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Offerings == nil {
		stores.Offerings = mem
	}
	if stores.Escrow == nil {
		stores.Escrow = mem
	}
	if stores.Positions == nil {
		stores.Positions = mem
	}
	if stores.Balances == nil {
		stores.Balances = mem
	}
	if stores.PriceFeeds == nil {
		stores.PriceFeeds = mem
	}

	manager := system.NewManager()
	bus := events.NewBus()

	balanceService := ledgersvc.New(stores.Balances, log)
	priceFeedService := pricefeedsvc.New(stores.PriceFeeds, log)
	escrowService := escrowsvc.New(stores.Escrow, balanceService, opts.Roles.Escrow, bus, log)
	positionService := positionsvc.New(stores.Positions, balanceService, opts.Roles.Position, bus, log)
	offeringService := offeringsvc.New(stores.Offerings, balanceService, escrowService, positionService, priceFeedService, opts.Roles.Offering, bus, log)

	for _, name := range []string{"balances", "escrow", "offerings"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	priceRunner := pricefeedsvc.NewRefresher(priceFeedService, log)
	if endpoint := strings.TrimSpace(os.Getenv("PRICEFEED_FETCH_URL")); endpoint != "" {
		fetcher, err := pricefeedsvc.NewHTTPFetcher(httpClient, endpoint, os.Getenv("PRICEFEED_FETCH_KEY"), log)
		if err != nil {
			log.WithError(err).Warn("configure price feed fetcher")
		} else {
			priceRunner.WithFetcher(fetcher)
		}
	} else {
		log.Warn("PRICEFEED_FETCH_URL not set; price feed refresher disabled")
	}

	accrualRunner := positionsvc.NewAccrualScheduler(positionService, opts.AccrualSpec, log)

	for _, svc := range []system.Service{priceRunner, accrualRunner} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Balances:   balanceService,
		PriceFeeds: priceFeedService,
		Escrow:     escrowService,
		Positions:  positionService,
		Offerings:  offeringService,
		Events:     bus,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
