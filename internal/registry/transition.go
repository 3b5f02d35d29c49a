package registry

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/samber/lo"

	"github.com/example/lectures/pipeline-go/internal/model"
)

var videoLengthPattern = regexp.MustCompile(`output_videolength=([0-9]+(?:\.[0-9]+)?)`)

type effects struct {
	duration *float64
}

// stateRank orders the non-terminal states; a callback may only move a job
// forward through them.
var stateRank = map[model.JobState]int{
	model.JobSubmitted: 0,
	model.JobStart:     1,
}

// Apply computes the row that results from applying cb to job, without
// touching storage.
//
//	info   state kept; block leaves the pending set and becomes current
//	done   state done, pending cleared, current cleared (once)
//	error  state error unless already done
//	other  state moves forward only, terminal states are kept
//
// last_update always takes the callback time.
func Apply(job model.Job, cb model.Callback) (model.Job, effects, error) {
	state, ok := model.ParseJobState(cb.Status)
	if !ok {
		return model.Job{}, effects{}, fmt.Errorf("%w: %q", ErrUnknownState, cb.Status)
	}

	next := job
	next.PendingBlocks = append([]string{}, job.PendingBlocks...)
	at := cb.ReceivedAt
	next.LastUpdate = &at

	var fx effects
	switch state {
	case model.JobInfo:
		if job.State != model.JobDone && cb.Block != "" {
			next.PendingBlocks = lo.Without(next.PendingBlocks, cb.Block)
			next.CurrentBlock = cb.Block
		}
		if m := videoLengthPattern.FindStringSubmatch(cb.Message); m != nil {
			if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
				fx.duration = &secs
			}
		}
	case model.JobDone:
		if job.State != model.JobDone {
			next.State = model.JobDone
			next.PendingBlocks = []string{}
			next.CurrentBlock = ""
		}
	case model.JobError:
		if job.State != model.JobDone {
			next.State = model.JobError
		}
	default:
		if !job.State.Terminal() && stateRank[state] > stateRank[job.State] {
			next.State = state
		}
	}
	return next, fx, nil
}
