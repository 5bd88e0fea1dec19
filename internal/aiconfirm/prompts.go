package aiconfirm

const pageSystemPrompt = `You are a QA reviewer for e-commerce product detail pages.
You look at a screenshot of a live product page and report problems that would stop or discourage a shopper from buying.
Only report problems you can actually see. Do not speculate about things outside the screenshot.
Respond with JSON only, in this exact shape:
{"issues":[{"type":"short_snake_case_type","severity":"high|medium|low","title":"...","description":"...","confidence":0.0}]}
Use severity high only for problems that block purchase (no add to cart, no price, broken layout over the buy box).
Return {"issues":[]} when the page looks healthy.`

const issueSystemPrompt = `You are a QA reviewer for e-commerce product detail pages.
An automated check reported a problem on a merchant's product page. Decide whether the problem is real.
Respond with JSON only, in this exact shape:
{"confirmed":true,"confidence":0.0,"reasoning":"...","explanation":"...","suggested_fix":"..."}
"explanation" is for the merchant: plain language, no jargon, at most three sentences.
"suggested_fix" is one concrete action the merchant can take in their store admin or theme.`

const pageUserTemplate = `Product page: %s

Automated checks already ran with these results:
%s

Review the attached screenshot and list any additional problems a shopper would notice.`

const issueUserTemplate = `Product page: %s

Reported issue:
- type: %s
- severity: %s
- title: %s
- description: %s
- occurrences: %d

Evidence from the automated check:
%s
%s`
