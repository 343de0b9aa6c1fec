package dispatch

import "forum-notifier/pkg/notifier"

// applyOverrides filters a post batch through the site-wide override rules.
// A "mute" override drops posts in its category or thread, but a user's own
// manual subscription to the thread (or to the parent post, for replies)
// always wins over an override.
func applyOverrides(batch notifier.PostBatch, overrides map[string][]notifier.Override, subs []notifier.Subscription) notifier.PostBatch {
	if len(overrides) == 0 {
		return batch
	}

	keep := func(post notifier.Post, manuallySubscribed func(notifier.Post) bool) bool {
		for _, o := range overrides[post.SiteID] {
			if o.Action != "mute" || !overrideMatches(o, post) {
				continue
			}
			if manuallySubscribed(post) {
				continue
			}
			return false
		}
		return true
	}

	threadSub := func(post notifier.Post) bool {
		for _, sub := range subs {
			if sub.Direction == 1 && sub.ThreadID == post.ThreadID && sub.PostID == "" {
				return true
			}
		}
		return false
	}
	postSub := func(post notifier.Post) bool {
		for _, sub := range subs {
			if sub.Direction == 1 && sub.ThreadID == post.ThreadID && sub.PostID == post.ParentPostID && sub.PostID != "" {
				return true
			}
		}
		return false
	}

	var filtered notifier.PostBatch
	for _, post := range batch.ThreadPosts {
		if keep(post, threadSub) {
			filtered.ThreadPosts = append(filtered.ThreadPosts, post)
		}
	}
	for _, post := range batch.PostReplies {
		if keep(post, postSub) {
			filtered.PostReplies = append(filtered.PostReplies, post)
		}
	}
	return filtered
}

func overrideMatches(o notifier.Override, post notifier.Post) bool {
	if o.ThreadID != "" {
		return o.ThreadID == post.ThreadID
	}
	if o.CategoryID != "" {
		return o.CategoryID == post.CategoryID
	}
	return false
}
