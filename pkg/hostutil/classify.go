// Package hostutil classifies host strings by the shape of managed-
// database endpoint they are, with no I/O: everything here is regex
// matching against the DNS name, mirroring the Aurora/RDS DNS naming
// conventions (cluster, cluster-ro, a custom cluster name, proxy,
// an individual instance, or an ELB-style endpoint).
package hostutil

import (
	"net"
	"regexp"
	"strings"
)

// URLType is the RdsUrlType sum type from the spec.
type URLType int

const (
	Other URLType = iota
	IPAddress
	WriterCluster
	ReaderCluster
	CustomCluster
	Proxy
	Instance
	AuroraLimitlessShardGroup
	GlobalWriterCluster
)

func (t URLType) String() string {
	switch t {
	case IPAddress:
		return "IP_ADDRESS"
	case WriterCluster:
		return "RDS_WRITER_CLUSTER"
	case ReaderCluster:
		return "RDS_READER_CLUSTER"
	case CustomCluster:
		return "RDS_CUSTOM_CLUSTER"
	case Proxy:
		return "RDS_PROXY"
	case Instance:
		return "RDS_INSTANCE"
	case AuroraLimitlessShardGroup:
		return "RDS_AURORA_LIMITLESS_DB_SHARD_GROUP"
	case GlobalWriterCluster:
		return "RDS_GLOBAL_WRITER_CLUSTER"
	default:
		return "OTHER"
	}
}

// IsRds reports whether t denotes any kind of RDS/Aurora endpoint.
func (t URLType) IsRds() bool {
	return t != Other && t != IPAddress
}

// IsRdsCluster reports whether t denotes a cluster (writer/reader/
// custom/global/shard-group) endpoint as opposed to a single instance.
func (t URLType) IsRdsCluster() bool {
	switch t {
	case WriterCluster, ReaderCluster, CustomCluster, AuroraLimitlessShardGroup, GlobalWriterCluster:
		return true
	default:
		return false
	}
}

// HasRegion reports true for writer-cluster, reader-cluster, instance
// and shard-group types. It reports false for custom-cluster and proxy
// types even though their DNS patterns carry a region segment (which
// GetRegion extracts), and false for global, IP-address and other.
func (t URLType) HasRegion() bool {
	switch t {
	case WriterCluster, ReaderCluster, Instance, AuroraLimitlessShardGroup:
		return true
	default:
		return false
	}
}

// Regexes mirror the Aurora/RDS DNS naming scheme. Classify tries the
// named-prefix patterns (shard group, global, custom, proxy, reader)
// before the writer-cluster pattern and the generic instance pattern.
var (
	auroraLimitlessPattern = regexp.MustCompile(`(?i)^(.+)\.shardgrp-[a-zA-Z0-9]+\.(?:[a-zA-Z0-9\-]+\.rds\.amazonaws\.com)$`)
	globalClusterPattern   = regexp.MustCompile(`(?i)^(.+)\.global-[a-zA-Z0-9]+\.global\.rds\.amazonaws\.com$`)
	readerClusterPattern   = regexp.MustCompile(`(?i)^(.+)\.cluster-ro-[a-zA-Z0-9]+\.([a-zA-Z0-9\-]+)\.rds\.amazonaws\.com$`)
	writerClusterPattern   = regexp.MustCompile(`(?i)^(.+)\.cluster-[a-zA-Z0-9]+\.([a-zA-Z0-9\-]+)\.rds\.amazonaws\.com$`)
	customClusterPattern   = regexp.MustCompile(`(?i)^(.+)\.cluster-custom-[a-zA-Z0-9]+\.([a-zA-Z0-9\-]+)\.rds\.amazonaws\.com$`)
	proxyPattern           = regexp.MustCompile(`(?i)^(.+)\.proxy-[a-zA-Z0-9]+\.([a-zA-Z0-9\-]+)\.rds\.amazonaws\.com$`)
	instancePattern        = regexp.MustCompile(`(?i)^(.+)\.([a-zA-Z0-9]+)\.([a-zA-Z0-9\-]+)\.rds\.amazonaws\.com$`)
	elbPattern             = regexp.MustCompile(`(?i)^(.+)\.elb\.([a-zA-Z0-9\-]+)\.amazonaws\.com$`)
	greenInstancePattern   = regexp.MustCompile(`(?i)-green-[a-zA-Z0-9]+`)
)

// Classify determines the URLType of host with no I/O. Custom-cluster,
// proxy and reader-cluster patterns are checked before the
// writer-cluster pattern, and the instance pattern (the loosest, which
// also matches cluster names) is checked last.
func Classify(host string) URLType {
	if isIPAddress(host) {
		return IPAddress
	}

	switch {
	case auroraLimitlessPattern.MatchString(host):
		return AuroraLimitlessShardGroup
	case globalClusterPattern.MatchString(host):
		return GlobalWriterCluster
	case customClusterPattern.MatchString(host):
		return CustomCluster
	case proxyPattern.MatchString(host):
		return Proxy
	case readerClusterPattern.MatchString(host):
		return ReaderCluster
	case writerClusterPattern.MatchString(host):
		return WriterCluster
	case instancePattern.MatchString(host) && !elbPattern.MatchString(host):
		return Instance
	default:
		return Other
	}
}

func isIPAddress(host string) bool {
	return net.ParseIP(host) != nil
}

// IsWriterClusterDNS reports whether host is a writer-cluster or
// global-writer-cluster endpoint.
func IsWriterClusterDNS(host string) bool {
	t := Classify(host)
	return t == WriterCluster || t == GlobalWriterCluster
}

// IsReaderClusterDNS reports whether host is a reader-cluster endpoint.
func IsReaderClusterDNS(host string) bool {
	return Classify(host) == ReaderCluster
}

// GetRegion extracts the AWS region segment from host, or "" if none
// is present in the DNS name.
func GetRegion(host string) string {
	for _, re := range []*regexp.Regexp{readerClusterPattern, writerClusterPattern, customClusterPattern, proxyPattern} {
		if m := re.FindStringSubmatch(host); len(m) >= 3 {
			return m[2]
		}
	}
	if m := instancePattern.FindStringSubmatch(host); len(m) >= 4 {
		return m[3]
	}
	if m := elbPattern.FindStringSubmatch(host); len(m) >= 3 {
		return m[2]
	}
	return ""
}

// GetInstanceID extracts the instance identifier prefix from an
// instance-endpoint host.
func GetInstanceID(host string) string {
	if m := instancePattern.FindStringSubmatch(host); len(m) >= 2 {
		return m[1]
	}
	return ""
}

// GetInstanceHostPattern returns a "?"-templated pattern for the
// instance-host suffix of host, e.g.
// "mydb.cluster-abc123.us-east-2.rds.amazonaws.com" ->
// "?.cluster-abc123.us-east-2.rds.amazonaws.com".
func GetInstanceHostPattern(host string) string {
	idx := strings.IndexByte(host, '.')
	if idx < 0 {
		return "?"
	}
	return "?" + host[idx:]
}

// IsGreenInstance reports whether host carries a blue/green deployment
// "-green-xxxxx" substring.
func IsGreenInstance(host string) bool {
	return greenInstancePattern.MatchString(host)
}

// RemoveGreenInstancePrefix strips a "-green-xxxxx" substring from
// host, restoring the original (blue) instance name.
func RemoveGreenInstancePrefix(host string) string {
	return greenInstancePattern.ReplaceAllString(host, "")
}

// IsDNSPatternValid reports whether pattern contains the required "?"
// placeholder.
func IsDNSPatternValid(pattern string) bool {
	return strings.Contains(pattern, "?")
}
