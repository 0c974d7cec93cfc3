// Package stages implements the four pipeline stage executors: Analyze,
// Extract, Structure, and Generate. Each is a pure function of the job
// context and prior stage outputs; all outside writes are addressed by
// job id + stage and overwritable, so re-running a stage after a
// transient failure never duplicates work.
package stages

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/pdfpage"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/router"
	"github.com/xuan1250/transfer2read/internal/storage"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Context carries the per-job inputs a stage executor runs against.
type Context struct {
	Job         *types.ConversionJob
	Pages       []pdfpage.Page
	Session     *router.Session
	Store       storage.ObjectStore
	Concurrency int
	Log         *logrus.Entry
}

// Executor is the uniform stage contract. Run returns the stage's output
// variant, its quality contribution (nil for stages that contribute
// none), and a typed error from the pipeline taxonomy.
type Executor interface {
	Stage() types.Stage
	Run(ctx context.Context, jc *Context, prior *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error)
}

// Pipeline returns the executors in execution order.
func Pipeline() []Executor {
	return []Executor{
		&Analyze{},
		&Extract{},
		&Structure{},
		&Generate{},
	}
}

// outputVersion is the current persisted shape version for all stage
// output variants.
const outputVersion = 1
