// internal/browser/scripts.go
package browser

import (
	"encoding/json"
	"fmt"
)

const scriptOuterHTML = `document.documentElement ? document.documentElement.outerHTML : ""`

const scriptBodyLength = `document.body ? document.body.innerHTML.length : 0`

const scriptReadyState = `document.readyState`

const scriptPasswordProtected = `(() => {
  const form = document.querySelector('form[action$="/password"], form#login_form input[name="password"], input[type="password"][name="password"]');
  const title = (document.title || '').toLowerCase();
  return !!form || title.includes('password');
})()`

const scriptReadCart = `fetch('/cart.js', {credentials: 'same-origin', headers: {'Accept': 'application/json'}})
  .then(r => r.ok ? r.json() : null)
  .then(c => c && {item_count: c.item_count, items: (c.items || []).map(i => ({key: i.key, variant_id: i.variant_id, quantity: i.quantity, title: i.title}))})
  .catch(() => null)`

const scriptCheckout = `fetch('/checkout', {credentials: 'same-origin', redirect: 'follow'})
  .then(r => ({status: r.status, url: r.url}))
  .catch(e => ({status: 0, url: '', error: String(e)}))`

// Variant selection strategies, tried in order. Each returns true when it
// changed the selection.
const scriptSelectVariantSelect = `(() => {
  const form = document.querySelector('form[action*="/cart/add"]') || document;
  const selects = form.querySelectorAll('select[name="id"], select[name^="options"], select.single-option-selector, select[data-option]');
  let changed = false;
  selects.forEach(sel => {
    const opt = Array.from(sel.options).find(o => o.value && !o.disabled && !/sold out|unavailable/i.test(o.textContent));
    if (opt && sel.value !== opt.value) {
      sel.value = opt.value;
      sel.dispatchEvent(new Event('change', {bubbles: true}));
      changed = true;
    } else if (opt) {
      changed = true;
    }
  });
  return changed;
})()`

const scriptSelectVariantRadio = `(() => {
  const form = document.querySelector('form[action*="/cart/add"]') || document;
  const groups = {};
  form.querySelectorAll('input[type="radio"]').forEach(r => { (groups[r.name] = groups[r.name] || []).push(r); });
  let changed = false;
  Object.values(groups).forEach(radios => {
    const pick = radios.find(r => !r.disabled && !r.classList.contains('disabled'));
    if (pick) {
      if (!pick.checked) { pick.click(); }
      changed = true;
    }
  });
  return changed;
})()`

const scriptSelectVariantSwatch = `(() => {
  const candidates = document.querySelectorAll('[data-option-value], [data-swatch], .swatch-element, .swatch__item, .variant-swatch, [class*="swatch"] button, [class*="swatch"] label');
  const pick = Array.from(candidates).find(el => {
    const cls = (el.className && el.className.toString()) || '';
    return !el.disabled && !/disabled|soldout|sold-out|unavailable/i.test(cls) && el.offsetParent !== null;
  });
  if (!pick) { return false; }
  pick.click();
  return true;
})()`

// addToCartSelectors is the ordered list of add-to-cart buttons to try.
var addToCartSelectors = []string{
	`form[action*="/cart/add"] button[type="submit"][name="add"]`,
	`form[action*="/cart/add"] [type="submit"]`,
	`button[name="add"]`,
	`#AddToCart`,
	`#add-to-cart`,
	`.product-form__submit`,
	`.btn--add-to-cart`,
	`[data-add-to-cart]`,
	`.add-to-cart`,
}

// AddToCartSelectors returns a copy of the ordered add-to-cart selector list.
func AddToCartSelectors() []string {
	return append([]string(nil), addToCartSelectors...)
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) { return false; }
  el.scrollIntoView({block: 'center'});
  el.click();
  return true;
})()`, jsString(selector))
}

func changeCartItemScript(key string, quantity int) string {
	return fmt.Sprintf(`fetch('/cart/change.js', {
  method: 'POST',
  credentials: 'same-origin',
  headers: {'Content-Type': 'application/json', 'Accept': 'application/json'},
  body: JSON.stringify({id: %s, quantity: %d})
}).then(r => r.ok).catch(() => false)`, jsString(key), quantity)
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
