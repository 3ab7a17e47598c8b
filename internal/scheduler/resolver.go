package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
	"github.com/t77yq/drs-orchestrator/internal/storage"
)

// GroupSource loads protection groups
type GroupSource interface {
	GetProtectionGroup(ctx context.Context, groupID string) (*model.ProtectionGroup, error)
}

// WaveSelector is the part of a wave that decides its server set
type WaveSelector struct {
	ServerIDs         []string
	ProtectionGroupID string
	Region            string
}

// Resolver turns a wave's direct list or protection group into source server ids
type Resolver struct {
	groups        GroupSource
	tags          recovery.ServerResolver
	defaultRegion string
	logger        *zap.Logger
}

// NewResolver creates a resolver. defaultRegion applies when neither the wave nor its group names one.
func NewResolver(groups GroupSource, tags recovery.ServerResolver, defaultRegion string, logger *zap.Logger) *Resolver {
	return &Resolver{
		groups:        groups,
		tags:          tags,
		defaultRegion: defaultRegion,
		logger:        logger.Named("server-resolver"),
	}
}

// Session starts a resolution scope. Group and tag lookups are cached for the
// lifetime of the session only; capacity and membership change between calls.
func (r *Resolver) Session() *Session {
	return &Session{
		r:      r,
		groups: make(map[string]*model.ProtectionGroup),
		tagged: make(map[string][]string),
	}
}

// Session caches lookups for one admission decision
type Session struct {
	r      *Resolver
	groups map[string]*model.ProtectionGroup
	tagged map[string][]string
}

// Resolve returns the deduplicated server ids and the region of a wave
func (s *Session) Resolve(ctx context.Context, w WaveSelector) ([]string, string, error) {
	if len(w.ServerIDs) > 0 {
		return dedupe(w.ServerIDs), s.region(w.Region, ""), nil
	}
	if w.ProtectionGroupID == "" {
		return nil, "", model.NewError(model.ErrServerResolution, ErrNoServers.Error(), ErrNoServers, nil)
	}

	group, err := s.group(ctx, w.ProtectionGroupID)
	if err != nil {
		return nil, "", err
	}
	region := s.region(w.Region, group.Region)

	var ids []string
	switch {
	case len(group.ServerIDs) > 0:
		ids = group.ServerIDs
	case len(group.SelectionTags) > 0:
		ids, err = s.tagsFor(ctx, region, group.SelectionTags)
		if err != nil {
			return nil, "", model.NewError(model.ErrServerResolution,
				fmt.Sprintf("failed to resolve servers of protection group %s: %v", group.ID, err),
				err, map[string]any{"protection_group_id": group.ID, "region": region})
		}
	}

	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, "", model.NewError(model.ErrServerResolution,
			fmt.Sprintf("protection group %s resolved to zero servers", group.ID),
			ErrNoServers, map[string]any{"protection_group_id": group.ID, "region": region})
	}
	return ids, region, nil
}

func (s *Session) group(ctx context.Context, id string) (*model.ProtectionGroup, error) {
	if g, ok := s.groups[id]; ok {
		return g, nil
	}
	g, err := s.r.groups.GetProtectionGroup(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrProtectionGroupNotFound) {
			return nil, model.NewError(model.ErrProtectionGroupNotFound,
				fmt.Sprintf("protection group %s not found", id), err,
				map[string]any{"protection_group_id": id})
		}
		return nil, fmt.Errorf("failed to load protection group: %w", err)
	}
	s.groups[id] = g
	return g, nil
}

func (s *Session) tagsFor(ctx context.Context, region string, tags map[string]string) ([]string, error) {
	key := selectionKey(region, tags)
	if ids, ok := s.tagged[key]; ok {
		return ids, nil
	}
	ids, err := s.r.tags.ResolveTaggedServers(ctx, region, tags)
	if err != nil {
		return nil, err
	}
	s.r.logger.Debug("Resolved tagged servers",
		zap.String("region", region),
		zap.Int("servers", len(ids)))
	s.tagged[key] = ids
	return ids, nil
}

func (s *Session) region(wave, group string) string {
	if wave != "" {
		return wave
	}
	if group != "" {
		return group
	}
	return s.r.defaultRegion
}

func selectionKey(region string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(region)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
