package resolver

// DefaultTrackers supplement a magnet's own tracker hints when the
// additional-trackers option is enabled.
var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.coppersurfer.tk:6969/announce",
	"udp://tracker.leechers-paradise.org:6969/announce",
	"udp://9.rarbg.to:2710/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
	"http://open.acgnxtracker.com/announce",
}

// mergeTrackers appends extras to base, keeping order and dropping
// duplicates.
func mergeTrackers(base, extras []string) []string {
	seen := make(map[string]bool, len(base)+len(extras))
	merged := make([]string, 0, len(base)+len(extras))
	for _, lists := range [][]string{base, extras} {
		for _, tracker := range lists {
			if tracker == "" || seen[tracker] {
				continue
			}
			seen[tracker] = true
			merged = append(merged, tracker)
		}
	}
	return merged
}
