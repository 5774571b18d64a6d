package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/settleq/settleq/internal/config"
	"github.com/settleq/settleq/internal/events/kafka"
	"github.com/settleq/settleq/internal/intake"
	interfaces "github.com/settleq/settleq/internal/interfaces"
	"github.com/settleq/settleq/internal/models"
	memqueue "github.com/settleq/settleq/internal/queue/memory"
	redisqueue "github.com/settleq/settleq/internal/queue/redis"
	"github.com/settleq/settleq/internal/settlement"
	memstore "github.com/settleq/settleq/internal/storage/memory"
	"github.com/settleq/settleq/internal/storage/postgres"
	"github.com/shopspring/decimal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store interfaces.LedgerStore
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = postgres.NewPostgresLedgerStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger store")
		store = memstore.NewMemoryLedgerStore()
	}

	var queue interfaces.TransferQueue
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		q := redisqueue.NewQueue(redis.NewClient(opts), "transfers")
		recovered, err := q.RecoverPending(ctx)
		if err != nil {
			logger.Error("queue recovery failed", "error", err)
			os.Exit(1)
		}
		if recovered > 0 {
			logger.Info("requeued intents left in processing by a previous run", "count", recovered)
		}
		queue = q
	} else {
		logger.Warn("REDIS_URL not set, using in-memory transfer queue")
		queue = memqueue.NewQueue()
	}
	defer queue.Close()

	var publisher interfaces.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := kafka.NewPublisher(cfg.KafkaBrokers, "transfer_settled")
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	intakeService := intake.NewService(store, queue, logger)
	worker := settlement.NewWorker(store, queue, publisher, logger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/api/transfer", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		principal := r.Header.Get("X-Principal")
		if principal == "" {
			writeError(w, http.StatusUnauthorized, "principal not authenticated")
			return
		}

		var req struct {
			FromAccountID string          `json:"fromAccountId"`
			ToAccountID   string          `json:"toAccountId"`
			Amount        decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
		if req.FromAccountID == "" || req.ToAccountID == "" {
			writeError(w, http.StatusBadRequest, "fromAccountId and toAccountId are required")
			return
		}

		transactionID, err := intakeService.Submit(r.Context(), principal,
			req.FromAccountID, req.ToAccountID, req.Amount, r.Header.Get("Idempotency-Key"))
		if err != nil {
			switch {
			case errors.Is(err, intake.ErrQueueUnavailable):
				writeError(w, http.StatusServiceUnavailable, err.Error())
			case errors.Is(err, intake.ErrUnauthorized):
				writeError(w, http.StatusForbidden, err.Error())
			case errors.Is(err, interfaces.ErrAccountNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, intake.ErrInvalidAmount),
				errors.Is(err, intake.ErrSameAccount),
				errors.Is(err, intake.ErrInsufficientFunds):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				logger.Error("transfer submit failed", "error", err)
				writeError(w, http.StatusInternalServerError, "unexpected error occurred")
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"transactionId": transactionID,
			"status":        "QUEUED",
		})
	})

	mux.HandleFunc("/api/account", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		principal := r.Header.Get("X-Principal")
		if principal == "" {
			writeError(w, http.StatusUnauthorized, "principal not authenticated")
			return
		}

		var req struct {
			Balance decimal.Decimal `json:"balance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request payload, balance required")
			return
		}
		if req.Balance.IsNegative() {
			writeError(w, http.StatusBadRequest, "balance cannot be negative")
			return
		}

		account := models.Account{
			ID:      uuid.New().String(),
			Owner:   principal,
			Balance: req.Balance,
		}
		if err := store.CreateAccount(r.Context(), account); err != nil {
			logger.Error("account creation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "unexpected error occurred")
			return
		}

		logger.Info("account created", "accountId", account.ID, "owner", account.Owner)
		writeJSON(w, http.StatusCreated, map[string]any{
			"accountId": account.ID,
			"owner":     account.Owner,
			"balance":   account.Balance,
			"status":    "CREATED",
		})
	})

	mux.HandleFunc("/api/accounts/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "account_id is a mandatory field")
			return
		}

		account, err := store.Account(r.Context(), accountID)
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": account.ID,
			"balance":    account.Balance,
		})
	})

	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		accountID := r.URL.Query().Get("account_id")
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "account_id is a mandatory field")
			return
		}

		transactions, err := store.TransactionsByAccount(r.Context(), accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, transactions)
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "workers", cfg.WorkerCount)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Workers stop pulling on cancellation; in-flight settlements finish.
	wg.Wait()
	logger.Info("shutdown complete")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
