package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/dormant/types"
)

// targetFlags select the instances a membership command addresses
type targetFlags struct {
	provider  string
	instances []string
	azureVMs  []string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.provider, "provider", "", "aws, azure or both (inferred from the instance flags when empty)")
	cmd.Flags().StringSliceVar(&f.instances, "instances", nil, "EC2 instance ids")
	cmd.Flags().StringSliceVar(&f.azureVMs, "azure-vms", nil, "Azure VMs as vmId@subscriptionId")
}

// target builds the membership payload. Account ids are left empty and
// bound to the session accounts by the lifecycle manager.
func (f *targetFlags) target() (types.Target, error) {
	var refs []types.AzureRef
	for _, s := range f.azureVMs {
		ref, err := types.ParseAzureRef(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	var ids []string
	for _, id := range f.instances {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	aws := types.AWSTarget{InstanceIDs: ids}
	azure := types.AzureTarget{Instances: refs}

	switch strings.ToLower(f.provider) {
	case "both":
		return types.BothTarget{AWS: aws, Azure: azure}, nil
	case "aws":
		if len(refs) > 0 {
			return nil, fmt.Errorf("--azure-vms cannot be used with --provider aws")
		}
		return aws, nil
	case "azure":
		if len(ids) > 0 {
			return nil, fmt.Errorf("--instances cannot be used with --provider azure")
		}
		return azure, nil
	case "":
		switch {
		case len(ids) > 0 && len(refs) > 0:
			return types.BothTarget{AWS: aws, Azure: azure}, nil
		case len(refs) > 0:
			return azure, nil
		case len(ids) > 0:
			return aws, nil
		}
		return nil, fmt.Errorf("--instances or --azure-vms is required")
	}
	return nil, fmt.Errorf("unknown provider %q (want aws, azure or both)", f.provider)
}
