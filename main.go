package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zhoujialefanjiayuan/bomber-sub000/autocall"
	"github.com/zhoujialefanjiayuan/bomber-sub000/billing"
	"github.com/zhoujialefanjiayuan/bomber-sub000/config"
	"github.com/zhoujialefanjiayuan/bomber-sub000/contacts"
	"github.com/zhoujialefanjiayuan/bomber-sub000/dispatch"
	"github.com/zhoujialefanjiayuan/bomber-sub000/handlers"
	"github.com/zhoujialefanjiayuan/bomber-sub000/notify"
	"github.com/zhoujialefanjiayuan/bomber-sub000/routes"
	"github.com/zhoujialefanjiayuan/bomber-sub000/scheduler"
	"github.com/zhoujialefanjiayuan/bomber-sub000/worker"
)

var (
	Version   = "dev"
	BuildTime = ""
)

func main() {

	versionFlag := flag.Bool("version", false, "Print version info and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("Version:   %s\n", Version)
		fmt.Printf("BuildTime: %s\n", BuildTime)
		os.Exit(0)
	}
	config.Connect()
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := dispatch.SystemClock{}
	store := dispatch.NewGormStore(config.DB)
	cycles := dispatch.DefaultCycleTable()

	billingURL := os.Getenv("BILLING_URL")
	if billingURL == "" {
		billingURL = "http://localhost:8081"
	}
	billingSvc := billing.NewClient(billingURL, 10*time.Second)

	var queue *autocall.Queue
	var notifier dispatch.Notifier
	if config.Redis != nil {
		queue = autocall.NewQueue(config.Redis)
		notifier = notify.NewRedisNotifier(config.Redis)
	}

	var contactStore *contacts.Store
	if config.Mongo != nil {
		contactStore = contacts.NewStore(config.Mongo)
		if err := contactStore.EnsureIndexes(ctx); err != nil {
			log.Printf("contact index setup: %v", err)
		}
	}

	ledger := dispatch.NewLedger(store, billingSvc, cycles, clock)
	alloc := dispatch.NewAllocator(nil)
	orch := dispatch.NewOrchestrator(store, alloc, ledger, cycles, clock, queueOrNil(queue), notifier)
	escalation := dispatch.NewEscalationEngine(store, clock)

	go scheduler.New(store, escalation, orch, queue, clock).Start(ctx)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		groupID := os.Getenv("KAFKA_GROUP_ID")
		if groupID == "" {
			groupID = "bomber-dispatch"
		}
		eventHandler := worker.NewEventHandler(store, orch, contactStoreOrNil(contactStore), clock)
		consumer, err := worker.NewConsumer(brokers, groupID, eventHandler)
		if err != nil {
			log.Fatalf("could not start kafka consumer: %v", err)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Printf("kafka consumer stopped: %v", err)
			}
		}()
	} else {
		log.Println("KAFKA_BROKERS not set, billing event intake disabled")
	}

	deps := routes.Deps{
		Cases: handlers.NewCaseHandler(orch, contactStore),
		Admin: handlers.NewDispatchAdmin(orch),
	}
	handler := routes.RegisterRoutes(deps)
	handlerWithCORS := enableCORS(handler)
	log.Println("Server starting at port", port)
	log.Fatal(http.ListenAndServe(":"+port, handlerWithCORS))
}

// queueOrNil keeps the orchestrator's interface value nil when Redis is off.
// A typed nil would dodge its nil checks.
func queueOrNil(q *autocall.Queue) dispatch.AutoCallQueue {
	if q == nil {
		return nil
	}
	return q
}

func contactStoreOrNil(s *contacts.Store) worker.ContactSaver {
	if s == nil {
		return nil
	}
	return s
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Required CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, X-Requested-With")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		// Handle preflight (OPTIONS)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
