// Package service runs maintenance beside the job store. The cleaner purges finished
// jobs on a cron schedule; store operations themselves never retry or clean up.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/sitekit/jobstore/app/store"
)

// Cleaner deletes jobs that reached a terminal status and outlived the max age. A
// failed purge pass is retried with the provided repeater.
type Cleaner struct {
	Cron
	Store    store.Interface
	Schedule string
	MaxAge   time.Duration
	Statuses []string
	Repeater Repeater
}

// Cron defines the subset of cron.Cron used by the cleaner
type Cron interface {
	Start()
	Stop() context.Context
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
}

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Ager is the optional store capability reporting when a job was last written. Both
// bundled backends provide it; a store without it skips the age check.
type Ager interface {
	JobModTime(jobID string) (time.Time, error)
}

// Do runs the blocking cleanup scheduler until the context is canceled
func (c *Cleaner) Do(ctx context.Context) error {
	if _, err := c.AddFunc(c.Schedule, func() {
		if err := c.Repeater.Do(ctx, func() error { return c.purge(ctx) }); err != nil {
			log.Printf("[WARN] cleanup pass failed, %v", err)
		}
	}); err != nil {
		return fmt.Errorf("can't schedule cleanup %q: %w", c.Schedule, err)
	}

	log.Printf("[INFO] cleanup scheduled %q, statuses %v, max age %v", c.Schedule, c.Statuses, c.MaxAge)
	c.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate cleaner")
	<-c.Stop().Done()
	return nil
}

// purge runs a single cleanup pass. Individual delete failures don't stop the pass,
// they are collected and reported together so the repeater can retry.
func (c *Cleaner) purge(ctx context.Context) error {
	jobs, err := c.Store.GetAllJobs()
	if err != nil {
		return fmt.Errorf("can't list jobs for cleanup: %w", err)
	}

	statuses := make(map[string]bool, len(c.Statuses))
	for _, st := range c.Statuses {
		statuses[st] = true
	}

	var errs []error
	purged := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !statuses[job.Status] {
			continue
		}
		if c.MaxAge > 0 && !c.oldEnough(job.ID()) {
			continue
		}
		if err := c.Store.DeleteJob(job.ID()); err != nil {
			errs = append(errs, err)
			continue
		}
		purged++
	}

	if purged > 0 {
		log.Printf("[INFO] cleanup purged %d job(s)", purged)
	}
	return errors.Join(errs...)
}

// oldEnough checks the job's last-write time against the max age, true when the store
// can't report age at all
func (c *Cleaner) oldEnough(jobID string) bool {
	ager, ok := c.Store.(Ager)
	if !ok {
		return true
	}
	ts, err := ager.JobModTime(jobID)
	if err != nil {
		log.Printf("[DEBUG] can't get age of job %s, %v", jobID, err)
		return false
	}
	return time.Since(ts) >= c.MaxAge
}
