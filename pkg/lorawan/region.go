package lorawan

import "fmt"

// Region identifies a regional frequency plan.
type Region string

const (
	EU868 Region = "EU868"
	US915 Region = "US915"
	AS923 Region = "AS923"
	AU915 Region = "AU915"
	IN865 Region = "IN865"
)

// ParseRegion validates a region name from configuration.
func ParseRegion(s string) (Region, error) {
	switch Region(s) {
	case EU868, US915, AS923, AU915, IN865:
		return Region(s), nil
	}
	return "", fmt.Errorf("lorawan: unknown region %q", s)
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
}

// RegionParameters represents region-specific PHY configuration
type RegionParameters struct {
	Name                Region
	DefaultChannels     []Channel
	DataRates           []DataRate
	MaxPayloadSizePerDR map[int]int
	DefaultRX2DR        int
	DefaultRX2Freq      uint32
	MaxTXPowerDBm       int
}

// GetRegionParameters returns the parameter set for a region. Unknown names
// fall back to EU868, matching the most common deployment.
func GetRegionParameters(region Region) *RegionParameters {
	switch region {
	case US915:
		return &us915Parameters
	case AS923:
		return &as923Parameters
	case AU915:
		return &au915Parameters
	case IN865:
		return &in865Parameters
	default:
		return &eu868Parameters
	}
}

// ValidDataRate reports whether dr exists in the region's table.
func (p *RegionParameters) ValidDataRate(dr int) bool {
	return dr >= 0 && dr < len(p.DataRates)
}

// MaxPayloadSize returns the application payload budget for a data rate.
func (p *RegionParameters) MaxPayloadSize(dr int) int {
	if n, ok := p.MaxPayloadSizePerDR[dr]; ok {
		return n
	}
	return 51
}

var eu868Parameters = RegionParameters{
	Name: EU868,
	DefaultChannels: []Channel{
		{Frequency: 868100000, MinDR: 0, MaxDR: 5},
		{Frequency: 868300000, MinDR: 0, MaxDR: 5},
		{Frequency: 868500000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 250},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242,
	},
	DefaultRX2DR:   0,
	DefaultRX2Freq: 869525000,
	MaxTXPowerDBm:  16,
}

var us915Parameters = RegionParameters{
	Name: US915,
	DefaultChannels: []Channel{
		{Frequency: 902300000, MinDR: 0, MaxDR: 3},
		{Frequency: 902500000, MinDR: 0, MaxDR: 3},
		{Frequency: 902700000, MinDR: 0, MaxDR: 3},
		{Frequency: 902900000, MinDR: 0, MaxDR: 3},
		{Frequency: 903100000, MinDR: 0, MaxDR: 3},
		{Frequency: 903300000, MinDR: 0, MaxDR: 3},
		{Frequency: 903500000, MinDR: 0, MaxDR: 3},
		{Frequency: 903700000, MinDR: 0, MaxDR: 3},
	},
	DataRates: []DataRate{
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 500},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 11, 1: 53, 2: 125, 3: 242, 4: 242,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
	MaxTXPowerDBm:  30,
}

var as923Parameters = RegionParameters{
	Name: AS923,
	DefaultChannels: []Channel{
		{Frequency: 923200000, MinDR: 0, MaxDR: 5},
		{Frequency: 923400000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 250},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242,
	},
	DefaultRX2DR:   2,
	DefaultRX2Freq: 923200000,
	MaxTXPowerDBm:  16,
}

var au915Parameters = RegionParameters{
	Name: AU915,
	DefaultChannels: []Channel{
		{Frequency: 915200000, MinDR: 0, MaxDR: 5},
		{Frequency: 915400000, MinDR: 0, MaxDR: 5},
		{Frequency: 915600000, MinDR: 0, MaxDR: 5},
		{Frequency: 915800000, MinDR: 0, MaxDR: 5},
		{Frequency: 916000000, MinDR: 0, MaxDR: 5},
		{Frequency: 916200000, MinDR: 0, MaxDR: 5},
		{Frequency: 916400000, MinDR: 0, MaxDR: 5},
		{Frequency: 916600000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 500},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242, 6: 242,
	},
	DefaultRX2DR:   8,
	DefaultRX2Freq: 923300000,
	MaxTXPowerDBm:  30,
}

var in865Parameters = RegionParameters{
	Name: IN865,
	DefaultChannels: []Channel{
		{Frequency: 865062500, MinDR: 0, MaxDR: 5},
		{Frequency: 865402500, MinDR: 0, MaxDR: 5},
		{Frequency: 865985000, MinDR: 0, MaxDR: 5},
	},
	DataRates: []DataRate{
		{SpreadFactor: 12, Bandwidth: 125},
		{SpreadFactor: 11, Bandwidth: 125},
		{SpreadFactor: 10, Bandwidth: 125},
		{SpreadFactor: 9, Bandwidth: 125},
		{SpreadFactor: 8, Bandwidth: 125},
		{SpreadFactor: 7, Bandwidth: 125},
	},
	MaxPayloadSizePerDR: map[int]int{
		0: 51, 1: 51, 2: 51, 3: 115, 4: 242, 5: 242,
	},
	DefaultRX2DR:   2,
	DefaultRX2Freq: 866550000,
	MaxTXPowerDBm:  30,
}
