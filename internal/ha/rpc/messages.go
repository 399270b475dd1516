package rpc

import (
	"github.com/tiny-rain/rocketmq/internal/ha"
	"github.com/tiny-rain/rocketmq/internal/ha/epoch"
	"github.com/tiny-rain/rocketmq/internal/ha/isr"
)

// Empty carries no fields; used for operations with no request or no
// response payload.
type Empty struct{}

type ChangeToLeaderRequest struct {
	NewEpoch uint32 `json:"newEpoch"`
}

type ChangeToLeaderResponse struct {
	Ok bool `json:"ok"`
}

type ChangeToFollowerRequest struct {
	LeaderAddress string `json:"leaderAddress"`
	NewEpoch      uint32 `json:"newEpoch"`
	FollowerID    string `json:"followerId"`
}

type ChangeToFollowerResponse struct {
	Ok bool `json:"ok"`
}

type UpdateCaughtUpRequest struct {
	FollowerAddress string `json:"followerAddress"`
	TimestampMillis int64  `json:"timestampMillis"`
}

type MaybeExpandRequest struct {
	FollowerAddress string `json:"followerAddress"`
	Offset          int64  `json:"offset"`
}

type SyncStateSetResponse struct {
	Followers []string `json:"followers"`
}

type SetSyncStateSetRequest struct {
	Followers []string `json:"followers"`
}

type InSyncReplicasNumsResponse struct {
	Count int `json:"count"`
}

type ConfirmOffsetResponse struct {
	Offset int64 `json:"offset"`
}

type UpdateConfirmOffsetRequest struct {
	Offset int64 `json:"offset"`
}

type LastEpochResponse struct {
	Epoch uint32 `json:"epoch"`
}

type EpochEntriesResponse struct {
	Entries []epoch.BoundEntry `json:"entries"`
}

type TruncateEpochRequest struct {
	Offset int64 `json:"offset"`
}

type RuntimeInfoRequest struct {
	MasterPutWhere int64 `json:"masterPutWhere"`
}

type RuntimeInfoResponse struct {
	ha.RuntimeInfo
}

func toSet(followers []string) isr.Set { return isr.NewSet(followers...) }

func fromSet(s isr.Set) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
