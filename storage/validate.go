package storage

import (
	"strings"

	"github.com/yairfalse/dormant/types"
)

// Request is a validated, normalized membership request shared by the backends
type Request struct {
	AWS   *types.AWSTarget
	Azure *types.AzureTarget
	Both  bool
}

// Instances returns the number of instances named by the request
func (r Request) Instances() int {
	n := 0
	if r.AWS != nil {
		n += len(r.AWS.InstanceIDs)
	}
	if r.Azure != nil {
		n += len(r.Azure.Instances)
	}
	return n
}

// NormalizeName trims a group name and rejects empty names
func NormalizeName(op, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", opErr(op, ErrValidation, "", nil, "group name is required")
	}
	return name, nil
}

// NormalizeTarget validates a target and returns it with trimmed,
// de-duplicated identifiers. requireInstances rejects requests naming no instance.
func NormalizeTarget(op string, target types.Target, requireInstances bool) (Request, error) {
	if target == nil {
		return Request{}, opErr(op, ErrValidation, "", nil, "target is required")
	}

	_, isBoth := target.(types.BothTarget)
	aws, azure := types.Split(target)
	req := Request{Both: isBoth}

	if aws != nil {
		leg, err := normalizeAWS(op, *aws, isBoth)
		if err != nil {
			return Request{}, err
		}
		req.AWS = &leg
	}
	if azure != nil {
		leg, err := normalizeAzure(op, *azure, isBoth)
		if err != nil {
			return Request{}, err
		}
		req.Azure = &leg
	}

	if requireInstances && req.Instances() == 0 {
		return Request{}, opErr(op, ErrValidation, "", nil, "no instance ids given")
	}
	return req, nil
}

func normalizeAWS(op string, t types.AWSTarget, both bool) (types.AWSTarget, error) {
	out := types.AWSTarget{AccountID: strings.TrimSpace(t.AccountID)}
	seen := make(map[string]bool, len(t.InstanceIDs))
	for _, id := range t.InstanceIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out.InstanceIDs = append(out.InstanceIDs, id)
	}
	if out.AccountID == "" && (both || len(out.InstanceIDs) > 0) {
		return out, opErr(op, ErrValidation, "", nil, "aws account id is required")
	}
	return out, nil
}

func normalizeAzure(op string, t types.AzureTarget, both bool) (types.AzureTarget, error) {
	out := types.AzureTarget{AccountID: strings.TrimSpace(t.AccountID)}
	seen := make(map[string]bool, len(t.Instances))
	var missing []string
	for _, ref := range t.Instances {
		ref.VMID = strings.TrimSpace(ref.VMID)
		ref.SubscriptionID = strings.TrimSpace(ref.SubscriptionID)
		if ref.VMID == "" || seen[ref.VMID] {
			continue
		}
		if ref.SubscriptionID == "" {
			missing = append(missing, ref.VMID)
			continue
		}
		seen[ref.VMID] = true
		out.Instances = append(out.Instances, ref)
	}
	if len(missing) > 0 {
		return out, opErr(op, ErrValidation, "", missing, "azure instances require a subscription id")
	}
	if out.AccountID == "" && (both || len(out.Instances) > 0) {
		return out, opErr(op, ErrValidation, "", nil, "azure account id is required")
	}
	return out, nil
}

// AppendIfAbsent implements the append side of the account membership lists
func AppendIfAbsent(list []string, id string) ([]string, bool) {
	for _, v := range list {
		if v == id {
			return list, false
		}
	}
	return append(list, id), true
}

// RemoveIfPresent implements the remove side of the account membership lists
func RemoveIfPresent(list []string, id string) ([]string, bool) {
	for i, v := range list {
		if v == id {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Contains reports whether id is in list
func Contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
