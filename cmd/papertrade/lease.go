package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rewired-gh/papertrade/internal/commands"
)

// serveLease marks the database as owned by a running server. One-shot
// commands that change state refuse to run while it is held, because the
// server would later overwrite their writes with its in-memory copy.
const (
	serveLease = "serve"
	leaseTTL   = time.Minute
)

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// acquireServeLease claims or renews the server lease for owner.
func (a *app) acquireServeLease(ctx context.Context, owner string) error {
	ok, holder, err := a.store.AcquireLease(ctx, serveLease, owner, a.clock.Now(), leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: held by %s", commands.ErrServerRunning, holder)
	}
	return nil
}

// checkNoServer fails with commands.ErrServerRunning while a server holds the
// database.
func (a *app) checkNoServer(ctx context.Context) error {
	holder, held, err := a.store.LeaseHolder(ctx, serveLease, a.clock.Now())
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: held by %s", commands.ErrServerRunning, holder)
	}
	return nil
}
