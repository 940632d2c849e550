package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Bokuhoggie/PhantomEx/internal/agents"
	"github.com/Bokuhoggie/PhantomEx/internal/approval"
	"github.com/Bokuhoggie/PhantomEx/internal/auth"
	"github.com/Bokuhoggie/PhantomEx/internal/database"
	"github.com/Bokuhoggie/PhantomEx/internal/decision"
	"github.com/Bokuhoggie/PhantomEx/internal/executor"
	"github.com/Bokuhoggie/PhantomEx/internal/hub"
	"github.com/Bokuhoggie/PhantomEx/internal/ledger"
	"github.com/Bokuhoggie/PhantomEx/internal/market"
	"github.com/Bokuhoggie/PhantomEx/internal/scheduler"
	"github.com/Bokuhoggie/PhantomEx/internal/session"
	"github.com/Bokuhoggie/PhantomEx/internal/types"
)

const (
	minAgents     = 4
	maxAgents     = 12
	numWorkers    = 3
	cyclePhase    = 30 * time.Second
	serverAddress = "http://localhost:8080"
	simDBPath     = "data/simulation.db"
)

var (
	modes          = []string{types.ModeAutonomous, types.ModeAdvisory}
	risks          = []string{types.RiskAggressive, types.RiskNeutral, types.RiskSafe}
	nameAdjectives = []string{"Nimble", "Patient", "Bold", "Quiet", "Contrarian", "Steady"}
	nameNouns      = []string{"Fox", "Owl", "Shark", "Badger", "Falcon", "Lynx"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// stubQuoter feeds the market loop a random walk over the default symbol
// set, so the simulation needs no external price provider.
type stubQuoter struct {
	mu     sync.Mutex
	levels map[string]float64
}

func newStubQuoter() *stubQuoter {
	levels := map[string]float64{}
	base := 100.0
	for i, symbol := range market.DefaultSymbols() {
		levels[symbol] = base * float64(i+1)
	}
	levels["BTC"] = 65000
	levels["ETH"] = 3200
	return &stubQuoter{levels: levels}
}

func (q *stubQuoter) FetchPrices(ctx context.Context) (types.Prices, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	prices := make(types.Prices, len(q.levels))
	for symbol, level := range q.levels {
		level *= 1 + (rand.Float64()-0.5)*0.01 // +/- 0.5% per poll
		q.levels[symbol] = level
		prices[symbol] = types.Quote{
			Price:     level,
			Change24h: (rand.Float64() - 0.5) * 8,
			Timestamp: now,
		}
	}
	return prices, nil
}

// stubBackend answers decision prompts with a random buy/sell/hold and
// summary prompts with canned prose, standing in for the model host.
type stubBackend struct {
	quoter *stubQuoter
}

func (b *stubBackend) Chat(ctx context.Context, modelName, system, user string) (string, error) {
	// The decision prompt demands JSON; anything else gets prose
	if !strings.Contains(system, "JSON") {
		return "A simulated run with randomized decisions. Nothing was learned, and that is fine.", nil
	}

	b.quoter.mu.Lock()
	symbols := make([]string, 0, len(b.quoter.levels))
	for s := range b.quoter.levels {
		symbols = append(symbols, s)
	}
	b.quoter.mu.Unlock()
	symbol := symbols[rand.Intn(len(symbols))]

	d := map[string]interface{}{
		"reasoning": "simulated decision",
	}
	switch rand.Intn(4) {
	case 0:
		d["action"] = "buy"
		d["symbol"] = symbol
		d["quantity"] = rand.Float64()*0.5 + 0.01
	case 1:
		d["action"] = "sell"
		d["symbol"] = symbol
		d["quantity"] = rand.Float64() * 0.2
	default:
		d["action"] = "hold"
	}
	raw, _ := json.Marshal(d)
	return string(raw), nil
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the trading API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	mu        sync.Mutex
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"deploy":  {name: "Deploy Agent"},
			"list":    {name: "List Agents"},
			"trigger": {name: "Trigger Cycle"},
			"approve": {name: "Approve Decision"},
			"reject":  {name: "Reject Decision"},
			"deposit": {name: "Deposit"},
			"save":    {name: "Save Session"},
			"delete":  {name: "Delete Agent"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

func (sc *simulationClient) record(route string, start time.Time, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs := sc.stats[route]
	rs.addDuration(time.Since(start))
	if err != nil {
		rs.failures++
	}
}

// authenticate performs operator authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("auth", start, err) }()

	credentials := map[string]string{
		"operator_key":    auth.DevOperatorKey,
		"operator_secret": auth.DevOperatorSecret,
	}
	body, _ := json.Marshal(credentials)

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
		return "", err
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

// do issues one authenticated request and decodes the standard envelope
// into out, which may be nil when only the status matters.
func (sc *simulationClient) do(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// deployAgent creates a new agent and returns its ID
func (sc *simulationClient) deployAgent(req *agents.CreateAgentRequest) (string, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("deploy", start, err) }()

	var view types.AgentStateView
	if err = sc.do("POST", "/api/v1/agents", req, &view); err != nil {
		return "", err
	}
	if view.AgentID == "" {
		err = fmt.Errorf("no agent ID in response")
		return "", err
	}
	return view.AgentID, nil
}

// listAgents retrieves the runtime state of every agent
func (sc *simulationClient) listAgents() ([]types.AgentStateView, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("list", start, err) }()

	var views []types.AgentStateView
	err = sc.do("GET", "/api/v1/agents", nil, &views)
	return views, err
}

// triggerCycle requests an immediate decision cycle for the agent
func (sc *simulationClient) triggerCycle(agentID string) error {
	start := time.Now()
	err := sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/trigger", agentID), nil, nil)
	sc.record("trigger", start, err)
	return err
}

// approveDecision approves the agent's pending decision
func (sc *simulationClient) approveDecision(agentID string) error {
	start := time.Now()
	err := sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/approve", agentID), nil, nil)
	sc.record("approve", start, err)
	return err
}

// rejectDecision rejects the agent's pending decision
func (sc *simulationClient) rejectDecision(agentID string) error {
	start := time.Now()
	err := sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/reject", agentID), nil, nil)
	sc.record("reject", start, err)
	return err
}

// deposit adds cash to the agent's portfolio
func (sc *simulationClient) deposit(agentID string, amount float64) error {
	start := time.Now()
	err := sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/deposit", agentID),
		map[string]float64{"amount": amount}, nil)
	sc.record("deposit", start, err)
	return err
}

// saveSession archives the agent's run and returns the session snapshot
func (sc *simulationClient) saveSession(agentID string) (*types.SavedSession, error) {
	start := time.Now()
	var err error
	defer func() { sc.record("save", start, err) }()

	var saved types.SavedSession
	err = sc.do("POST", "/api/v1/sessions",
		map[string]string{"agent_id": agentID, "notes": "simulation run"}, &saved)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// deleteAgent retires the agent
func (sc *simulationClient) deleteAgent(agentID string) error {
	start := time.Now()
	err := sc.do("DELETE", fmt.Sprintf("/api/v1/agents/%s", agentID), nil, nil)
	sc.record("delete", start, err)
	return err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

// main runs the agent trading simulation
// It starts a local server against stubbed market and model backends, then
// drives the full agent lifecycle over the REST API
func main() {
	// Fresh database per run
	os.Remove(simDBPath)

	quoter := newStubQuoter()

	// Start the server in a goroutine
	go func() {
		if err := startServer(quoter); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetAgents := rand.Intn(maxAgents-minAgents) + minAgents
	log.Info().Int("target_agents", targetAgents).Msg("Starting simulation")

	// Deploy agents concurrently; slack for workers racing the soft cap
	agentsChan := make(chan string, targetAgents+numWorkers)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			deployAgentsHTTP(workerID, targetAgents/numWorkers+1, targetAgents, simClient, agentsChan)
		}(i)
	}
	wg.Wait()
	close(agentsChan)

	var agentIDs []string
	for agentID := range agentsChan {
		agentIDs = append(agentIDs, agentID)
	}
	log.Info().Int("agents_deployed", len(agentIDs)).Msg("All agents deployed")

	stats := struct {
		Triggered     int
		Approved      int
		Rejected      int
		Deposits      int
		SessionsSaved int
		FinalValue    float64
		StartTime     time.Time
	}{StartTime: time.Now()}

	// Drive decision cycles and resolve pending approvals
	deadline := time.Now().Add(cyclePhase)
	for time.Now().Before(deadline) {
		for _, agentID := range agentIDs {
			if err := simClient.triggerCycle(agentID); err != nil {
				log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to trigger cycle")
				continue
			}
			stats.Triggered++
		}

		time.Sleep(2 * time.Second)

		views, err := simClient.listAgents()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list agents")
			continue
		}
		for _, view := range views {
			if view.PendingDecision == nil {
				continue
			}
			// Approve most pendings, reject the rest
			if rand.Float64() < 0.7 {
				if err := simClient.approveDecision(view.AgentID); err == nil {
					stats.Approved++
					log.Info().
						Str("agent_id", view.AgentID).
						Str("action", view.PendingDecision.Action).
						Str("symbol", view.PendingDecision.Symbol).
						Msg("Decision approved")
				}
			} else {
				if err := simClient.rejectDecision(view.AgentID); err == nil {
					stats.Rejected++
					log.Info().Str("agent_id", view.AgentID).Msg("Decision rejected")
				}
			}
		}

		// Occasional top-up for a random agent
		if rand.Float64() < 0.3 && len(agentIDs) > 0 {
			agentID := agentIDs[rand.Intn(len(agentIDs))]
			if err := simClient.deposit(agentID, float64(rand.Intn(500)+100)); err == nil {
				stats.Deposits++
			}
		}
	}

	// Final valuation before teardown
	if views, err := simClient.listAgents(); err == nil {
		for _, view := range views {
			if view.Portfolio != nil {
				stats.FinalValue += view.Portfolio.TotalValue
			}
		}
	}

	// Archive and retire every agent
	for _, agentID := range agentIDs {
		saved, err := simClient.saveSession(agentID)
		if err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to save session")
		} else {
			stats.SessionsSaved++
			log.Info().
				Str("agent_id", agentID).
				Str("session_id", saved.SessionID).
				Float64("pnl", saved.PnL).
				Int("buys", saved.BuyCount).
				Int("sells", saved.SellCount).
				Int("holds", saved.HoldCount).
				Msg("Session saved")
		}

		if err := simClient.deleteAgent(agentID); err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to delete agent")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("AGENT TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Agents Deployed:   %d
Cycles Triggered:  %d
Approved:          %d
Rejected:          %d
Deposits:          %d
Sessions Saved:    %d
Final Book Value:  $%.2f
Duration:          %v
`, len(agentIDs), stats.Triggered, stats.Approved, stats.Rejected,
		stats.Deposits, stats.SessionsSaved, stats.FinalValue,
		duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("agents", len(agentIDs)).
		Int("cycles_triggered", stats.Triggered).
		Int("sessions_saved", stats.SessionsSaved).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// deployAgentsHTTP generates and deploys random agents over the API
// Runs as a worker goroutine, sending created agent IDs to agentsChan
func deployAgentsHTTP(workerID, numAgents, maxTotal int, simClient *simulationClient, agentsChan chan<- string) {
	for i := 0; i < numAgents; i++ {
		if len(agentsChan) >= maxTotal {
			return
		}

		req := &agents.CreateAgentRequest{
			Name:          fmt.Sprintf("%s %s %d-%d", nameAdjectives[rand.Intn(len(nameAdjectives))], nameNouns[rand.Intn(len(nameNouns))], workerID, i),
			Model:         "sim-model",
			Mode:          modes[rand.Intn(len(modes))],
			Allowance:     float64(rand.Intn(9000) + 1000),
			Goal:          "Grow the portfolio through the simulation window.",
			TradeInterval: float64(rand.Intn(5) + 3),
			RiskProfile:   risks[rand.Intn(len(risks))],
		}

		agentID, err := simClient.deployAgent(req)
		if err != nil {
			log.Error().Err(err).
				Str("worker_id", fmt.Sprintf("%d", workerID)).
				Str("name", req.Name).
				Msg("Failed to deploy agent")
			continue
		}

		agentsChan <- agentID
		log.Info().
			Str("worker_id", fmt.Sprintf("%d", workerID)).
			Str("agent_id", agentID).
			Str("name", req.Name).
			Str("mode", req.Mode).
			Str("risk", req.RiskProfile).
			Float64("allowance", req.Allowance).
			Msg("Agent deployed")

		// Random sleep between deployments
		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}

// startServer initializes and starts the trading server against the stub
// market and model backends
// Sets up all required services, handlers and routes
func startServer(quoter *stubQuoter) error {
	db, err := database.NewDatabase(simDBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	authService := auth.NewService("simulation-secret")
	authService.RegisterCredentials(auth.DevOperatorKey, auth.DevOperatorSecret)
	authHandlers := auth.NewGinHandlers(authService)

	eventHub := hub.New()
	backend := &stubBackend{quoter: quoter}
	ledgerService := ledger.NewService(db)

	marketFeed := market.NewFeed(quoter, db, eventHub, 2*time.Second)
	marketHandlers := market.NewGinHandlers(marketFeed, nil)

	sessionService := session.NewService(db, ledgerService, marketFeed, backend, log.Logger)
	sessionHandlers := session.NewGinHandlers(sessionService)

	gate := approval.NewGate()
	executorService := executor.NewService(ledgerService, eventHub, executor.DefaultRiskPolicy())
	decisionEngine := decision.NewEngine(backend)

	ctx := context.Background()
	schedulerService := scheduler.NewService(
		ctx, decisionEngine, executorService, gate,
		ledgerService, eventHub, marketFeed, sessionService,
	)
	eventHub.SetSnapshot(schedulerService.Snapshot)

	agentService := agents.NewService(db, ledgerService, schedulerService, sessionService, eventHub)
	agentHandlers := agents.NewGinHandlers(agentService, schedulerService)

	go marketFeed.Start(ctx)

	// Setup routes; the simulation talks to its own server, so the rate
	// limiter and JWT guard are left off
	setupRoutes(router, authHandlers, agentHandlers, marketHandlers, sessionHandlers, eventHub, schedulerService)

	return router.Run(":8080")
}

// setupRoutes configures the API endpoints exercised by the simulation
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	agentHandlers *agents.GinHandlers,
	marketHandlers *market.GinHandlers,
	sessionHandlers *session.GinHandlers,
	eventHub *hub.Hub,
	resolver hub.DecisionResolver,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		v1.GET("/ws", hub.WebsocketHandler(eventHub, resolver))

		agentGroup := v1.Group("/agents")
		{
			agentGroup.POST("", agentHandlers.CreateAgentHandler())
			agentGroup.GET("", agentHandlers.ListAgentsHandler())
			agentGroup.GET("/:agent_id", agentHandlers.GetAgentHandler())
			agentGroup.DELETE("/:agent_id", agentHandlers.DeleteAgentHandler())
			agentGroup.PUT("/:agent_id/mode", agentHandlers.SetModeHandler())
			agentGroup.PUT("/:agent_id/risk", agentHandlers.SetRiskHandler())
			agentGroup.PUT("/:agent_id/interval", agentHandlers.SetIntervalHandler())
			agentGroup.POST("/:agent_id/deposit", agentHandlers.DepositHandler())
			agentGroup.POST("/:agent_id/trigger", agentHandlers.TriggerHandler())
			agentGroup.POST("/:agent_id/approve", agentHandlers.ApproveHandler())
			agentGroup.POST("/:agent_id/reject", agentHandlers.RejectHandler())
			agentGroup.GET("/:agent_id/trades", agentHandlers.TradesHandler())
			agentGroup.GET("/:agent_id/equity", agentHandlers.EquityHandler())
		}

		marketGroup := v1.Group("/market")
		{
			marketGroup.GET("/prices", marketHandlers.PricesHandler())
			marketGroup.GET("/history/:symbol", marketHandlers.HistoryHandler())
		}

		sessionGroup := v1.Group("/sessions")
		{
			sessionGroup.POST("", sessionHandlers.SaveSessionHandler())
			sessionGroup.POST("/recover", sessionHandlers.RecoverSessionHandler())
			sessionGroup.POST("/:session_id/recapture", sessionHandlers.RecaptureSessionHandler())
			sessionGroup.GET("", sessionHandlers.ListSessionsHandler())
			sessionGroup.GET("/:session_id", sessionHandlers.GetSessionHandler())
			sessionGroup.DELETE("/:session_id", sessionHandlers.DeleteSessionHandler())
		}
	}
}
