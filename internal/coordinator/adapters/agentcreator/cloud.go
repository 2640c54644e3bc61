package agentcreator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/internal/coordinator/domain/resources"
	"github.com/gridflow/coordinator/internal/coordinator/ports"
	"github.com/gridflow/coordinator/pkg/logger"
	"github.com/gridflow/coordinator/pkg/resilience"
)

// defaultInterruptionProbability is the pessimistic fallback used only for
// instance types this deployment has no real interruption data for — it
// must never override a known rate, only fill a gap.
const defaultInterruptionProbability = 80.0

// defaultRefreshInterval is used when a deployment leaves CloudConfig's
// RefreshInterval unset.
const defaultRefreshInterval = 5 * time.Minute

// catalogReadyTimeout bounds how long a caller of GetInstanceTypes will wait
// for the first background refresh to complete, so a slow or wedged AWS
// account fails placement decisions instead of hanging them forever.
const catalogReadyTimeout = 5 * time.Minute

// Cloud launches real EC2 instances, the one genuinely out-of-scope
// collaborator this coordinator talks to. Every AWS call is wrapped in a
// retry policy and a named circuit breaker so a transient AWS API blip
// never cascades into repeated placement failures. Pricing and interruption
// data are refreshed on a background loop rather than fetched inline on the
// placement path, so a slow EC2 API call never blocks a scheduling decision
// that could be served from the last good catalog.
type Cloud struct {
	ec2      *ec2.EC2
	region   string
	log      logger.Logger
	breakers *resilience.CircuitBreakerRegistry
	retry    resilience.RetryConfig

	store           ports.CatalogStore
	refreshInterval time.Duration

	instanceMemory        map[string]float64
	instanceCPU           map[string]int
	instanceOnDemandPrice map[string]float64
	instanceInterruption  map[string]float64
	knownTypes            []string

	ready     chan struct{}
	readyOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// CloudConfig describes the catalog of instance types this deployment is
// willing to consider, since deriving every possible EC2 shape from the API
// requires a separate pricing-API integration per family. Operators list the
// shapes they want considered, along with the on-demand price and historical
// interruption rate known for each; the background refresh loop only prices
// spot and fills in whatever interruption data it is missing with the
// pessimistic default.
type CloudConfig struct {
	Region         string
	InstanceMemory map[string]float64 // GiB, by instance type
	InstanceCPU    map[string]int     // logical CPUs, by instance type

	// InstanceOnDemandPrice, present, emits a matching on-demand catalog row
	// at 0% interruption probability alongside the spot row for that type.
	InstanceOnDemandPrice map[string]float64
	// InstanceInterruption overrides defaultInterruptionProbability for
	// instance types this deployment has real historical data for.
	InstanceInterruption map[string]float64

	RefreshInterval time.Duration
}

// NewCloud starts the background catalog refresh loop immediately; callers
// are not expected to invoke it, only GetInstanceTypes, which blocks on the
// first successful refresh.
func NewCloud(cfg CloudConfig, store ports.CatalogStore, log logger.Logger) (*Cloud, error) {
	if log == nil {
		log = logger.NewNop()
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	types := make([]string, 0, len(cfg.InstanceMemory))
	for t := range cfg.InstanceMemory {
		types = append(types, t)
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cloud{
		ec2:                   ec2.New(sess),
		region:                cfg.Region,
		log:                   log,
		breakers:              resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("ec2")),
		retry:                 resilience.DefaultRetryConfig(),
		store:                 store,
		refreshInterval:       interval,
		instanceMemory:        cfg.InstanceMemory,
		instanceCPU:           cfg.InstanceCPU,
		instanceOnDemandPrice: cfg.InstanceOnDemandPrice,
		instanceInterruption:  cfg.InstanceInterruption,
		knownTypes:            types,
		ready:                 make(chan struct{}),
		cancel:                cancel,
	}

	c.wg.Add(1)
	go c.refreshLoop(ctx)
	return c, nil
}

// refreshLoop rebuilds the catalog on a fixed interval until ctx is
// cancelled. A refresh failure is logged and retried next tick rather than
// crashing the coordinator — the last good catalog (if any) keeps serving
// placement decisions in the meantime.
func (c *Cloud) refreshLoop(ctx context.Context) {
	defer c.wg.Done()

	c.refreshOnce(ctx)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce(ctx)
		}
	}
}

func (c *Cloud) refreshOnce(ctx context.Context) {
	rows, err := c.buildCatalog(ctx)
	if err != nil {
		c.log.Error("refreshing instance type catalog failed, keeping last known catalog", "region", c.region, "error", err)
		return
	}
	c.store.Set(ctx, c.region, rows, 2*c.refreshInterval)
	c.readyOnce.Do(func() { close(c.ready) })
}

// buildCatalog prices every configured instance type via the spot price
// history API, left-joins real interruption data onto it (falling back to
// defaultInterruptionProbability only where none is known), and emits a
// separate on-demand row at 0% interruption for every type this deployment
// has on-demand pricing for, per §6.3's catalog-build rule.
func (c *Cloud) buildCatalog(ctx context.Context) ([]chooser.InstanceType, error) {
	result, err := c.breakers.Get("ec2:spot-price-history").ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return resilience.RetryWithResult(ctx, c.retry, func() (*ec2.DescribeSpotPriceHistoryOutput, error) {
			typePtrs := make([]*string, len(c.knownTypes))
			for i, t := range c.knownTypes {
				typePtrs[i] = aws.String(t)
			}
			return c.ec2.DescribeSpotPriceHistoryWithContext(ctx, &ec2.DescribeSpotPriceHistoryInput{
				InstanceTypes:       typePtrs,
				ProductDescriptions: []*string{aws.String("Linux/UNIX")},
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("describing spot price history: %w", err)
	}
	history := result.(*ec2.DescribeSpotPriceHistoryOutput)

	latestSpotPrice := map[string]float64{}
	for _, p := range history.SpotPriceHistory {
		if p.InstanceType == nil || p.SpotPrice == nil {
			continue
		}
		price, err := strconv.ParseFloat(*p.SpotPrice, 64)
		if err != nil {
			continue
		}
		if _, seen := latestSpotPrice[*p.InstanceType]; !seen {
			latestSpotPrice[*p.InstanceType] = price
		}
	}

	rows := make([]chooser.InstanceType, 0, 2*len(c.knownTypes))
	for _, t := range c.knownTypes {
		spotPrice, ok := latestSpotPrice[t]
		if !ok {
			continue
		}
		interruption, ok := c.instanceInterruption[t]
		if !ok {
			interruption = defaultInterruptionProbability
		}
		rows = append(rows, chooser.InstanceType{
			InstanceType:            t,
			MemoryGB:                c.instanceMemory[t],
			LogicalCPU:              c.instanceCPU[t],
			PriceUSDPerHour:         spotPrice,
			InterruptionProbability: interruption,
			OnDemandOrSpot:          chooser.Spot,
		})
		if onDemandPrice, ok := c.instanceOnDemandPrice[t]; ok {
			rows = append(rows, chooser.InstanceType{
				InstanceType:            t,
				MemoryGB:                c.instanceMemory[t],
				LogicalCPU:              c.instanceCPU[t],
				PriceUSDPerHour:         onDemandPrice,
				InterruptionProbability: 0,
				OnDemandOrSpot:          chooser.OnDemand,
			})
		}
	}
	return rows, nil
}

// GetInstanceTypes waits for the background refresh loop's first successful
// run (bounded by catalogReadyTimeout) and then returns whatever it last
// wrote, rather than making a synchronous AWS call on the placement path.
func (c *Cloud) GetInstanceTypes(ctx context.Context, region string) ([]chooser.InstanceType, error) {
	waitCtx, cancel := context.WithTimeout(ctx, catalogReadyTimeout)
	defer cancel()
	select {
	case <-c.ready:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("waiting for instance type catalog to become ready: %w", waitCtx.Err())
	}
	rows, ok := c.store.Get(ctx, region)
	if !ok {
		return nil, fmt.Errorf("no instance type catalog cached for region %s", region)
	}
	return rows, nil
}

// LaunchJobSpecificAgent runs one EC2 instance with user-data that bootstraps
// the agent binary pointed at jobID.
func (c *Cloud) LaunchJobSpecificAgent(ctx context.Context, jobID, instanceType string, workersPerInstance int, demand resources.Resources) (string, error) {
	result, err := c.breakers.Get("ec2:run-instances").ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return resilience.RetryWithResult(ctx, c.retry, func() (*ec2.Reservation, error) {
			return c.ec2.RunInstancesWithContext(ctx, &ec2.RunInstancesInput{
				InstanceType: aws.String(instanceType),
				MinCount:     aws.Int64(1),
				MaxCount:     aws.Int64(1),
				TagSpecifications: []*ec2.TagSpecification{{
					ResourceType: aws.String("instance"),
					Tags: []*ec2.Tag{
						{Key: aws.String("gridflow:job-id"), Value: aws.String(jobID)},
						{Key: aws.String("gridflow:worker-slots"), Value: aws.String(strconv.Itoa(workersPerInstance))},
					},
				}},
			})
		})
	})
	if err != nil {
		return "", fmt.Errorf("launching ec2 instance: %w", err)
	}
	reservation := result.(*ec2.Reservation)
	if len(reservation.Instances) == 0 || reservation.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("ec2 run-instances returned no instance id")
	}
	return *reservation.Instances[0].InstanceId, nil
}

// TerminateAgent is not wired to an EC2 TerminateInstances call: this
// deployment relies on spot interruption and job completion to reclaim
// cloud agents, and adding an active-termination path means reconciling it
// against in-flight grid tasks, which is out of scope here.
func (c *Cloud) TerminateAgent(ctx context.Context, agentID string) error {
	return ports.ErrNotSupported
}

func (c *Cloud) Close(ctx context.Context) error {
	c.cancel()
	c.wg.Wait()
	return nil
}

var _ ports.AgentCreator = (*Cloud)(nil)
