package delivery

import (
	"notifly/internal/types"
)

// Compute aggregates delivery stats over a set of records in one pass.
// A later lifecycle state implies all earlier ones: a clicked notification
// counts toward sent, delivered, and opened as well. Terminal failures
// count only toward total and failed.
func Compute(records []*types.NotificationRecord) types.DeliveryStats {
	var stats types.DeliveryStats
	for _, r := range records {
		stats.Total++
		if r.Status.Terminal() {
			stats.Failed++
			continue
		}
		rank := r.Status.Rank()
		if rank >= 1 {
			stats.Sent++
		}
		if rank >= 2 {
			stats.Delivered++
		}
		if rank >= 3 {
			stats.Opened++
		}
		if rank >= 4 {
			stats.Clicked++
		}
	}
	return stats
}

// ComputeByChannel aggregates overall stats plus a per-channel breakdown.
func ComputeByChannel(records []*types.NotificationRecord) types.ChannelStats {
	byChannel := make(map[types.Channel][]*types.NotificationRecord)
	for _, r := range records {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}

	stats := types.ChannelStats{
		DeliveryStats: Compute(records),
		ByChannel:     make(map[types.Channel]types.DeliveryStats, len(byChannel)),
	}
	for channel, group := range byChannel {
		stats.ByChannel[channel] = Compute(group)
	}
	return stats
}

// ComputeCampaign aggregates campaign stats and derives the funnel rates.
// Each rate is a percentage over the previous funnel stage and guards a
// zero denominator with 0.
func ComputeCampaign(campaignID string, records []*types.NotificationRecord) types.CampaignStats {
	base := Compute(records)
	stats := types.CampaignStats{
		CampaignID: campaignID,
		Total:      base.Total,
		Sent:       base.Sent,
		Delivered:  base.Delivered,
		Opened:     base.Opened,
		Clicked:    base.Clicked,
		Failed:     base.Failed,
	}
	stats.DeliveryRate = rate(base.Delivered, base.Total)
	stats.OpenRate = rate(base.Opened, base.Delivered)
	stats.ClickRate = rate(base.Clicked, base.Opened)
	return stats
}

func rate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0
	}
	return float64(numerator) / float64(denominator) * 100
}
