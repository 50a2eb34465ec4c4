package main

import (
	"fmt"
	"strings"

	"chainindex/internal/abidecode"
	"chainindex/internal/config"
	"chainindex/internal/filter"
	"chainindex/internal/syncengine"
)

// buildSources translates one chain's configured sources into the filter
// package's tagged-union Filter plus the syncengine.Source/abidecode.Source
// wrappers each owning package needs, generalizing the teacher's two
// hardcoded Sync/PoolCreated log filters into arbitrary, config-declared
// filters.
func buildSources(entry config.ChainEntry) ([]syncengine.Source, []abidecode.Source, error) {
	sources := make([]syncengine.Source, 0, len(entry.Sources))
	abiSources := make([]abidecode.Source, 0, len(entry.Sources))

	for _, se := range entry.Sources {
		f, events, err := buildFilter(entry.ChainID, se)
		if err != nil {
			return nil, nil, fmt.Errorf("chain %q source %q: %w", entry.Name, se.Name, err)
		}

		fid := filter.ID(filter.KindEvent, f)
		sources = append(sources, syncengine.Source{
			Name:        se.Name,
			NetworkName: entry.Name,
			Filter:      f,
			FilterID:    fid,
		})
		if len(events) > 0 {
			abiSources = append(abiSources, abidecode.Source{
				FilterID:     fid,
				ContractName: se.ContractName,
				NetworkName:  entry.Name,
				Events:       events,
			})
		}
	}

	return sources, abiSources, nil
}

func buildFilter(chainID uint64, se config.SourceEntry) (filter.Filter, []abidecode.EventABI, error) {
	if se.BlockInterval > 0 {
		return filter.Filter{Block: &filter.BlockFilter{
			ChainID:   chainID,
			Interval:  se.BlockInterval,
			Offset:    se.BlockOffset,
			FromBlock: se.FromBlock,
			ToBlock:   se.ToBlock,
		}}, nil, nil
	}

	events := make([]abidecode.EventABI, 0, len(se.Events))
	for _, ev := range se.Events {
		inputs := make([]abidecode.Argument, 0, len(ev.Inputs))
		for _, in := range ev.Inputs {
			inputs = append(inputs, abidecode.Argument{Name: in.Name, Type: in.Type, Indexed: in.Indexed})
		}
		events = append(events, abidecode.EventABI{Name: ev.Name, Signature: ev.Signature, Inputs: inputs})
	}

	address, err := buildAddressConstraint(chainID, se)
	if err != nil {
		return filter.Filter{}, nil, err
	}

	lf := &filter.LogFilter{
		ChainID:   chainID,
		FromBlock: se.FromBlock,
		ToBlock:   se.ToBlock,
		Address:   address,
	}

	switch {
	case len(se.Topics[0]) > 0:
		lf.Topics[0] = se.Topics[0]
	case len(events) > 0:
		topic0 := make([]string, len(events))
		for i, e := range events {
			topic0[i] = e.Topic0().Hex()
		}
		lf.Topics[0] = topic0
	}
	for i := 1; i < 4; i++ {
		if len(se.Topics[i]) > 0 {
			lf.Topics[i] = se.Topics[i]
		}
	}

	return filter.Filter{Log: lf}, events, nil
}

func buildAddressConstraint(chainID uint64, se config.SourceEntry) (filter.AddressConstraint, error) {
	if se.ChildAddress != nil {
		child, err := buildChildAddress(chainID, *se.ChildAddress)
		if err != nil {
			return filter.AddressConstraint{}, err
		}
		return filter.AddressConstraint{Child: child}, nil
	}
	if se.Address != "" {
		return filter.AddressConstraint{Single: strings.ToLower(se.Address)}, nil
	}
	if len(se.Addresses) > 0 {
		return filter.AddressConstraint{Set: se.Addresses}, nil
	}
	return filter.AddressConstraint{}, nil
}

func buildChildAddress(chainID uint64, ce config.ChildAddressEntry) (*filter.ChildAddressFilter, error) {
	if ce.EventSelector == "" {
		return nil, fmt.Errorf("child_address requires event_selector")
	}

	var parentAddress filter.AddressConstraint
	switch {
	case ce.Address != "":
		parentAddress = filter.AddressConstraint{Single: strings.ToLower(ce.Address)}
	case len(ce.Addresses) > 0:
		parentAddress = filter.AddressConstraint{Set: ce.Addresses}
	}

	return &filter.ChildAddressFilter{
		ChainID:       chainID,
		Address:       parentAddress,
		EventSelector: ce.EventSelector,
		Location: filter.ChildAddressLocation{
			Topic:     ce.Topic,
			Offset:    ce.Offset,
			FromTopic: ce.Topic > 0,
		},
	}, nil
}
