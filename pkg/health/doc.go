/*
Package health provides health check mechanisms for probing the readiness
and liveness of supervised node processes.

This package implements three types of checks: HTTP, TCP, and Exec. A node
process runs inside a containerd container launched by pkg/procsup; once
the container starts, the process still needs time to bind its sockets and
finish replaying its ledger before it can serve requests. fleet-agent uses
these checkers to find out when that has happened; it does not keep
probing a node after it has become ready.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┐
	    ▼           ▼          ▼
	┌────────┐  ┌──────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  Exec  │
	│Checker │  │Checker│ │Checker │
	└────────┘  └──────┘  └────────┘
	     │          │          │
	     ▼          ▼          ▼
	  GET /    Connect     Run cmd
	  /health    :port      on host

## Check Flow

 1. processController.Launch starts the node's container
 2. awaitReadyAndReport polls the node's REST socket with a TCPChecker
 3. Every Interval: run the check, update a Status
 4. Once a check succeeds, report the node's sockets to the control plane
 5. Polling then stops; a node that stops answering later is not
    detected by these checks

# Check Types

## HTTP Health Checks

HTTP checks perform HTTP requests to verify application health:

	Check Type: HTTP
	Configuration:
	├── URL: http://127.0.0.1:<restPort>/health
	├── Method: GET, POST, HEAD
	├── Headers: Custom HTTP headers
	├── Expected Status: 200-399 (configurable)
	└── Timeout: 10 seconds

## TCP Health Checks

TCP checks verify that a node's socket is listening and accepting
connections. This is what fleet-agent uses to detect REST-port readiness
(cmd/fleet-agent/adapters.go's awaitReadyAndReport):

	Check Type: TCP
	Configuration:
	├── Address: 127.0.0.1:<port>
	├── Timeout: 5 seconds
	└── Connection test only (no data sent)

## Exec Health Checks

Exec checks run a command on the agent host and check its exit code.
With a container set (WithContainer) the command is not run: a
placeholder echo runs on the host instead, so the check always passes:

	Check Type: Exec
	Configuration:
	├── Command: e.g. ["node-cli", "status"]
	├── Timeout: 10 seconds
	├── Exit code 0 → Healthy
	└── Exit code != 0 → Unhealthy

# Core Components

## Checker Interface

All health checkers implement this interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

This allows polymorphic health checking: callers don't need to know the
check type, just call Check() and interpret the Result.

## Result Structure

All checks return a standardized Result:

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Status Tracking

Status tracks health over time:

	type Status struct {
		ConsecutiveFailures  int    // Failure streak
		ConsecutiveSuccesses int    // Success streak
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool   // Current health state
		StartedAt            time.Time
	}

The status implements hysteresis: multiple failures are required before
marking a node unhealthy, preventing flapping from transient issues.

## Configuration

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period for slow startup (default: 0)
	}

# Usage

## Readiness polling (fleet-agent's actual use)

	checker := health.NewTCPChecker(sockets.REST)
	cfg := health.DefaultConfig()
	status := health.NewStatus()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		result := checker.Check(ctx)
		status.Update(result, cfg)
		if status.Healthy && status.ConsecutiveSuccesses >= 1 {
			break // node's REST socket is up, report it
		}
		select {
		case <-ctx.Done():
			return // never became ready within the deadline
		case <-ticker.C:
		}
	}

## HTTP Health Check

	checker := health.NewHTTPChecker("http://127.0.0.1:8080/health").
		WithMethod("GET").
		WithStatusRange(200, 299).
		WithTimeout(5 * time.Second)

	result := checker.Check(ctx)

## Exec Health Check

	checker := health.NewExecChecker([]string{"node-cli", "status"}).
		WithTimeout(5 * time.Second).
		WithContainer(containerID)

	result := checker.Check(ctx)

# Design Patterns

## Strategy Pattern

	Checker (interface)
	├── HTTPChecker (HTTP strategy)
	├── TCPChecker (TCP strategy)
	└── ExecChecker (Exec strategy)

## Builder Pattern

Checkers use fluent builders for configuration:

	checker := NewHTTPChecker(url).
		WithMethod("POST").
		WithHeader("Auth", "token").
		WithTimeout(5 * time.Second)

## Hysteresis Pattern

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy!

	Unhealthy → 1 success → Healthy!

## Context-Based Cancellation

All checks respect context deadlines:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := checker.Check(ctx) // respects timeout

# See Also

  - pkg/procsup - launches and stops the containerd task a checker probes
  - pkg/reconcile - the agent reconciler that relaunches a node once the
    control plane reports it offline
  - cmd/fleet-agent/adapters.go - processController.awaitReadyAndReport,
    the one call site in this repo that drives a Checker/Status loop
*/
package health
