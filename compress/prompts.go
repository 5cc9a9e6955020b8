package compress

import "fmt"

// Summarization prompts. Each prompt carries the task description and the
// current checkpoint so the model keeps only information relevant to unmet
// goals and discards exploratory, failed, or duplicate content.

func historySummaryPrompt(contextInfo, xml string, target int) string {
	return fmt.Sprintf(`You are a history compression assistant. Using the task requirements and current progress below, compress the following action history.
%s
<action_history>
%s
</action_history>

Requirements:
1. Target length: strictly at most %d tokens.
2. Use the progress notes to decide which actions served goals that are still unmet.
3. Keep: key results of completed steps (file paths, produced artifacts, retrieved data), and any output later steps will need to reference.
4. Drop: repeated attempts, failed exploration, debugging noise, and anything unrelated to the remaining goals.
5. Summarize in chronological order, highlighting concrete outcomes.

Output only the compressed summary:`, contextInfo, xml, target)
}

func chunkSummaryPrompt(contextInfo, chunk string, index, total, target int) string {
	return fmt.Sprintf(`You are a history compression assistant. This is segment %d of %d of a chunked compression task.
%s
<segment>
%s
</segment>

Requirements:
1. Target length: strictly at most %d tokens.
2. Keep key results, important paths and data, and output of value to later steps.
3. Drop unrelated or failed attempts.
4. Summarize this segment's key actions briefly, in chronological order.

Output only this segment's compressed summary:`, index, total, contextInfo, chunk, target)
}

func fieldPrompt(contextInfo, text string, hint contentHint, target int) string {
	return fmt.Sprintf(`You are a content compression assistant. Using the task requirements and current progress below, compress the following %s.
%s
<content>
%s
</content>

Requirements:
1. Target length: strictly at most %d tokens.
2. %s.
3. Keep information directly relevant to the task goal: important paths, data, and results that later steps will reference.
4. Drop redundant detail, unrelated exploration, and intermediate debugging output.
5. Summarize and distill rather than truncating; keep structured content (tables, lists) where it matters.

Output only the compressed content, with no extra commentary:`, hint.contentType, contextInfo, text, target, hint.focus)
}

func chunkFieldPrompt(contextInfo, chunk string, hint contentHint, index, total, target int) string {
	return fmt.Sprintf(`You are a content compression assistant. This is segment %d of %d of a chunked %s.
%s
<segment>
%s
</segment>

Requirements:
1. Target length: strictly at most %d tokens.
2. %s.
3. Keep key information, important data, and file paths; stay coherent.

Output only this segment's compressed content:`, index, total, hint.contentType, contextInfo, chunk, target, hint.focus)
}
