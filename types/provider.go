package types

import (
	"fmt"
	"strings"
)

// Provider identifies a cloud provider
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
)

// ParseProvider converts a user supplied provider name
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws":
		return ProviderAWS, nil
	case "azure":
		return ProviderAzure, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// Target is the provider-tagged payload of a membership request.
// It is one of AWSTarget, AzureTarget or BothTarget.
type Target interface {
	isTarget()
	// Providers returns the providers the target addresses
	Providers() []Provider
}

// AWSTarget addresses EC2 instances owned by one AWS account
type AWSTarget struct {
	AccountID   string   `json:"account_id"`
	InstanceIDs []string `json:"instance_ids"`
}

// AzureRef is the compound key of an Azure virtual machine
type AzureRef struct {
	VMID           string `json:"vm_id"`
	SubscriptionID string `json:"subscription_id"`
}

func (r AzureRef) String() string {
	return r.VMID + "@" + r.SubscriptionID
}

// ParseAzureRef parses the vmId@subscription notation
func ParseAzureRef(s string) (AzureRef, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return AzureRef{}, fmt.Errorf("azure vm %q must be in vmId@subscriptionId form", s)
	}
	return AzureRef{VMID: s[:i], SubscriptionID: s[i+1:]}, nil
}

// AzureTarget addresses Azure VMs owned by one Azure account
type AzureTarget struct {
	AccountID string     `json:"account_id"`
	Instances []AzureRef `json:"instances"`
}

// BothTarget addresses a multi-cloud group linked to an (aws, azure) account pair
type BothTarget struct {
	AWS   AWSTarget   `json:"aws"`
	Azure AzureTarget `json:"azure"`
}

func (AWSTarget) isTarget()   {}
func (AzureTarget) isTarget() {}
func (BothTarget) isTarget()  {}

func (AWSTarget) Providers() []Provider   { return []Provider{ProviderAWS} }
func (AzureTarget) Providers() []Provider { return []Provider{ProviderAzure} }
func (BothTarget) Providers() []Provider  { return []Provider{ProviderAWS, ProviderAzure} }

// Empty reports whether the target names no instances
func (t AWSTarget) Empty() bool { return len(t.InstanceIDs) == 0 }

// Empty reports whether the target names no instances
func (t AzureTarget) Empty() bool { return len(t.Instances) == 0 }

// IDs returns the VM identifiers of the target
func (t AzureTarget) IDs() []string {
	ids := make([]string, 0, len(t.Instances))
	for _, ref := range t.Instances {
		ids = append(ids, ref.VMID)
	}
	return ids
}

// Split returns the per-provider legs of any target. A leg is nil when
// the target does not address that provider.
func Split(t Target) (*AWSTarget, *AzureTarget) {
	switch v := t.(type) {
	case AWSTarget:
		return &v, nil
	case AzureTarget:
		return nil, &v
	case BothTarget:
		aws, azure := v.AWS, v.Azure
		return &aws, &azure
	}
	return nil, nil
}
