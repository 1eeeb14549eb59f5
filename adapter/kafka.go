package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"
	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	DefaultKafkaTimeout  = 10 * time.Second
	DefaultKafkaClientID = "metascope"
)

// KafkaClient is the subset of *kafka.Client used to describe a cluster.
type KafkaClient interface {
	Metadata(ctx context.Context, req *kafka.MetadataRequest) (*kafka.MetadataResponse, error)
	ListGroups(ctx context.Context, req *kafka.ListGroupsRequest) (*kafka.ListGroupsResponse, error)
	DescribeGroups(ctx context.Context, req *kafka.DescribeGroupsRequest) (*kafka.DescribeGroupsResponse, error)
}

// KafkaClientFactory returns a client for src and a func releasing its connections.
type KafkaClientFactory func(src metadata.DataSource) (KafkaClient, func(), error)

// KafkaConfig holds configuration for KafkaAdapter
type KafkaConfig struct {
	Timeout         time.Duration // Per-request timeout (default: 10s)
	ClientID        string        // Client id sent to brokers (default: metascope)
	IncludeInternal bool          // List internal topics such as __consumer_offsets
	ExcludeTopics   []string      // Glob patterns of topics to hide
	ConsumerGroups  bool          // Resolve consumer groups per topic
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Timeout:        DefaultKafkaTimeout,
		ClientID:       DefaultKafkaClientID,
		ConsumerGroups: true,
	}
}

// KafkaAdapter serves Streaming for Kafka clusters. Registry lookups are
// delegated to a RegistryClient.
type KafkaAdapter struct {
	cfg       KafkaConfig
	excludes  []glob.Glob
	newClient KafkaClientFactory
	registry  *RegistryClient
}

var (
	_ Streaming = (*KafkaAdapter)(nil)
	_ Tester    = (*KafkaAdapter)(nil)
)

// NewKafkaAdapter compiles the exclude patterns. A nil factory dials real brokers.
func NewKafkaAdapter(cfg KafkaConfig, registry *RegistryClient, factory KafkaClientFactory) (*KafkaAdapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultKafkaTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultKafkaClientID
	}

	excludes := make([]glob.Glob, 0, len(cfg.ExcludeTopics))
	for _, pattern := range cfg.ExcludeTopics {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}

	a := &KafkaAdapter{cfg: cfg, excludes: excludes, newClient: factory, registry: registry}
	if a.newClient == nil {
		a.newClient = a.dialClient
	}
	if a.registry == nil {
		a.registry = NewRegistryClient(DefaultRegistryConfig())
	}
	return a, nil
}

func (a *KafkaAdapter) dialClient(src metadata.DataSource) (KafkaClient, func(), error) {
	transport := &kafka.Transport{
		ClientID:    a.cfg.ClientID,
		DialTimeout: a.cfg.Timeout,
	}
	if src.Username != "" {
		transport.SASL = plain.Mechanism{Username: src.Username, Password: src.Password}
	}
	client := &kafka.Client{
		Addr:      kafka.TCP(src.Address()),
		Timeout:   a.cfg.Timeout,
		Transport: transport,
	}
	return client, transport.CloseIdleConnections, nil
}

func (a *KafkaAdapter) excluded(topic string) bool {
	for _, g := range a.excludes {
		if g.Match(topic) {
			return true
		}
	}
	return false
}

func (a *KafkaAdapter) FetchTopics(ctx context.Context, src metadata.DataSource) ([]metadata.KafkaTopicInfo, error) {
	client, release, err := a.newClient(src)
	if err != nil {
		return nil, metadata.FetchError{Op: OpFetchTopics, SourceID: src.ID,
			Err: metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}}
	}
	defer release()

	resp, err := client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return nil, metadata.FetchError{Op: OpFetchTopics, SourceID: src.ID,
			Err: metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}}
	}

	topics := make([]metadata.KafkaTopicInfo, 0, len(resp.Topics))
	for _, t := range resp.Topics {
		if t.Internal && !a.cfg.IncludeInternal {
			continue
		}
		if a.excluded(t.Name) {
			continue
		}
		if t.Error != nil {
			return nil, metadata.FetchError{Op: OpFetchTopics, SourceID: src.ID,
				Err: fmt.Errorf("topic %s: %w", t.Name, t.Error)}
		}
		topics = append(topics, metadata.KafkaTopicInfo{
			Name:           t.Name,
			Internal:       t.Internal,
			Partitions:     convertPartitions(t.Partitions),
			ConsumerGroups: []string{},
		})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })

	if a.cfg.ConsumerGroups && len(topics) > 0 {
		groups, err := a.groupsByTopic(ctx, client)
		if err != nil {
			return nil, metadata.FetchError{Op: OpFetchTopics, SourceID: src.ID, Err: err}
		}
		for i := range topics {
			if g := groups[topics[i].Name]; len(g) > 0 {
				topics[i].ConsumerGroups = g
			}
		}
	}

	log.Debug().Int64("source_id", src.ID).Int("topics", len(topics)).Msg("Fetched kafka topics")
	return topics, nil
}

func convertPartitions(in []kafka.Partition) []metadata.PartitionInfo {
	out := make([]metadata.PartitionInfo, 0, len(in))
	for _, p := range in {
		out = append(out, metadata.PartitionInfo{
			ID:       int32(p.ID),
			Leader:   int32(p.Leader.ID),
			Replicas: brokerIDs(p.Replicas),
			ISR:      brokerIDs(p.Isr),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func brokerIDs(brokers []kafka.Broker) []int32 {
	ids := make([]int32, 0, len(brokers))
	for _, b := range brokers {
		ids = append(ids, int32(b.ID))
	}
	return ids
}

// groupsByTopic maps each topic to the sorted ids of groups that subscribe to
// it or hold assignments on it.
func (a *KafkaAdapter) groupsByTopic(ctx context.Context, client KafkaClient) (map[string][]string, error) {
	listed, err := client.ListGroups(ctx, &kafka.ListGroupsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if listed.Error != nil {
		return nil, fmt.Errorf("list groups: %w", listed.Error)
	}
	if len(listed.Groups) == 0 {
		return map[string][]string{}, nil
	}

	ids := make([]string, 0, len(listed.Groups))
	for _, g := range listed.Groups {
		ids = append(ids, g.GroupID)
	}

	described, err := client.DescribeGroups(ctx, &kafka.DescribeGroupsRequest{GroupIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("describe groups: %w", err)
	}

	sets := make(map[string]map[string]struct{})
	add := func(topic, group string) {
		if sets[topic] == nil {
			sets[topic] = make(map[string]struct{})
		}
		sets[topic][group] = struct{}{}
	}
	for _, g := range described.Groups {
		if g.Error != nil {
			log.Warn().Err(g.Error).Str("group", g.GroupID).Msg("Skipping consumer group")
			continue
		}
		for _, m := range g.Members {
			for _, topic := range m.MemberMetadata.Topics {
				add(topic, g.GroupID)
			}
			for _, assigned := range m.MemberAssignments.Topics {
				add(assigned.Topic, g.GroupID)
			}
		}
	}

	out := make(map[string][]string, len(sets))
	for topic, set := range sets {
		groups := make([]string, 0, len(set))
		for g := range set {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		out[topic] = groups
	}
	return out, nil
}

func (a *KafkaAdapter) FetchRegistrySchemas(ctx context.Context, src metadata.DataSource) (metadata.SchemaListing, error) {
	if src.SchemaRegistryURL == nil || *src.SchemaRegistryURL == "" {
		return metadata.SchemaListing{}, metadata.FetchError{Op: OpFetchRegistrySchemas, SourceID: src.ID,
			Err: metadata.RegistryError{Err: errors.New("no schema registry url configured")}}
	}
	listing, err := a.registry.ListSchemas(ctx, *src.SchemaRegistryURL)
	if err != nil {
		return metadata.SchemaListing{}, metadata.FetchError{Op: OpFetchRegistrySchemas, SourceID: src.ID, Err: err}
	}
	return listing, nil
}

// TestConnection issues a metadata request for no topics.
func (a *KafkaAdapter) TestConnection(ctx context.Context, src metadata.DataSource) error {
	client, release, err := a.newClient(src)
	if err != nil {
		return metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}
	}
	defer release()

	if _, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{}}); err != nil {
		return metadata.ConnectionError{Kind: src.Kind, Address: src.Address(), Err: err}
	}
	return nil
}
