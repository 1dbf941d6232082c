package part

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// AllPartition is the id of the single partition of an unpartitioned table.
const AllPartition = "all"

type (
	// Info identifies a part: partition_minBlock_maxBlock_level[_mutation].
	Info struct {
		PartitionID string
		MinBlock    uint64
		MaxBlock    uint64
		Level       uint32
		Mutation    uint64
	}
)

var ErrBadPartName = errors.New("bad part name")

// detached parts carrying one of these prefixes are never attached by partition
var reservedPrefixes = []string{"tmp_", "attaching_", "broken_", "ignored_", "deleting_", "clone_"}

func ParseInfo(name string) (Info, error) {
	fields := strings.Split(name, "_")
	if len(fields) != 4 && len(fields) != 5 {
		return Info{}, fmt.Errorf("%w: %q", ErrBadPartName, name)
	}
	if !ValidPartitionID(fields[0]) {
		return Info{}, fmt.Errorf("%w: bad partition id in %q", ErrBadPartName, name)
	}
	var nums [4]uint64
	for i, f := range fields[1:] {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %q", ErrBadPartName, name)
		}
		nums[i] = n
	}
	if nums[2] > 1<<32-1 {
		return Info{}, fmt.Errorf("%w: level out of range in %q", ErrBadPartName, name)
	}
	info := Info{
		PartitionID: fields[0],
		MinBlock:    nums[0],
		MaxBlock:    nums[1],
		Level:       uint32(nums[2]),
		Mutation:    nums[3],
	}
	if info.MinBlock > info.MaxBlock {
		return Info{}, fmt.Errorf("%w: min block above max block in %q", ErrBadPartName, name)
	}
	return info, nil
}

// ValidPartitionID reports whether id can be embedded in a part name.
func ValidPartitionID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

func (pi Info) Name() string {
	if pi.Mutation > 0 {
		return fmt.Sprintf("%s_%d_%d_%d_%d", pi.PartitionID, pi.MinBlock, pi.MaxBlock, pi.Level, pi.Mutation)
	}
	return fmt.Sprintf("%s_%d_%d_%d", pi.PartitionID, pi.MinBlock, pi.MaxBlock, pi.Level)
}

func (pi Info) String() string {
	return pi.Name()
}

// Contains reports whether this part's block range covers other's and it sits at a
// higher level, so that it supersedes other (it is a merge result of it).
func (pi Info) Contains(other Info) bool {
	return pi.PartitionID == other.PartitionID &&
		pi.MinBlock <= other.MinBlock &&
		pi.MaxBlock >= other.MaxBlock &&
		(pi.Level > other.Level || pi.Level == other.Level && pi.Mutation > other.Mutation && pi.MinBlock == other.MinBlock && pi.MaxBlock == other.MaxBlock)
}

// Intersects reports whether the two block ranges share at least one block.
func (pi Info) Intersects(other Info) bool {
	return pi.PartitionID == other.PartitionID &&
		pi.MinBlock <= other.MaxBlock &&
		other.MinBlock <= pi.MaxBlock
}

// Conflicts reports an intersection where neither part supersedes the other.
func (pi Info) Conflicts(other Info) bool {
	return pi.Intersects(other) && !pi.Contains(other) && !other.Contains(pi)
}

// Less orders parts by partition, then block range.
func (pi Info) Less(other Info) bool {
	if pi.PartitionID != other.PartitionID {
		return pi.PartitionID < other.PartitionID
	}
	if pi.MinBlock != other.MinBlock {
		return pi.MinBlock < other.MinBlock
	}
	if pi.MaxBlock != other.MaxBlock {
		return pi.MaxBlock < other.MaxBlock
	}
	if pi.Level != other.Level {
		return pi.Level < other.Level
	}
	return pi.Mutation < other.Mutation
}

// WithBlocks returns a copy renumbered to a new block range, keeping level and mutation.
func (pi Info) WithBlocks(min, max uint64) Info {
	pi.MinBlock = min
	pi.MaxBlock = max
	return pi
}

// HasReservedPrefix reports whether a detached directory name is a leftover or an
// explicitly excluded part.
func HasReservedPrefix(name string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
